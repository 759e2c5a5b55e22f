package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/database"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// AnalysisResultRepository defines the interface for diagnosis result data access.
// Results are append-only: re-analysis adds a row, it never rewrites one.
type AnalysisResultRepository interface {
	// Create inserts a new result row.
	Create(ctx context.Context, res *models.AnalysisResult) error

	// LatestByFailure retrieves the newest result for a failure record.
	LatestByFailure(ctx context.Context, failureID uuid.UUID) (*models.AnalysisResult, error)

	// ListByFailure retrieves all results for a failure record, newest first.
	ListByFailure(ctx context.Context, failureID uuid.UUID) ([]*models.AnalysisResult, error)
}

// analysisResultRepository implements AnalysisResultRepository using PostgreSQL.
type analysisResultRepository struct {
	db *database.DB
}

// NewAnalysisResultRepository creates a new analysis result repository.
func NewAnalysisResultRepository(db *database.DB) AnalysisResultRepository {
	return &analysisResultRepository{db: db}
}

func (r *analysisResultRepository) Create(ctx context.Context, res *models.AnalysisResult) error {
	if res.GeneratedAt.IsZero() {
		res.GeneratedAt = time.Now()
	}

	query := `
		INSERT INTO engine_analysis_results (failure_id, diagnosis, suggested_fix, model_tag, prompt_tokens, completion_tokens, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		res.FailureID,
		res.Diagnosis,
		res.SuggestedFix,
		res.ModelTag,
		res.PromptTokens,
		res.CompletionTokens,
		res.GeneratedAt,
	).Scan(&res.ID)
	if err != nil {
		return fmt.Errorf("failed to create analysis result: %w", err)
	}

	return nil
}

func (r *analysisResultRepository) LatestByFailure(ctx context.Context, failureID uuid.UUID) (*models.AnalysisResult, error) {
	query := `
		SELECT id, failure_id, diagnosis, suggested_fix, model_tag, prompt_tokens, completion_tokens, generated_at
		FROM engine_analysis_results
		WHERE failure_id = $1
		ORDER BY generated_at DESC
		LIMIT 1`

	var res models.AnalysisResult
	err := r.db.QueryRow(ctx, query, failureID).Scan(
		&res.ID,
		&res.FailureID,
		&res.Diagnosis,
		&res.SuggestedFix,
		&res.ModelTag,
		&res.PromptTokens,
		&res.CompletionTokens,
		&res.GeneratedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}
	return &res, nil
}

func (r *analysisResultRepository) ListByFailure(ctx context.Context, failureID uuid.UUID) ([]*models.AnalysisResult, error) {
	query := `
		SELECT id, failure_id, diagnosis, suggested_fix, model_tag, prompt_tokens, completion_tokens, generated_at
		FROM engine_analysis_results
		WHERE failure_id = $1
		ORDER BY generated_at DESC`

	rows, err := r.db.Query(ctx, query, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis results: %w", err)
	}
	defer rows.Close()

	var results []*models.AnalysisResult
	for rows.Next() {
		var res models.AnalysisResult
		err := rows.Scan(
			&res.ID,
			&res.FailureID,
			&res.Diagnosis,
			&res.SuggestedFix,
			&res.ModelTag,
			&res.PromptTokens,
			&res.CompletionTokens,
			&res.GeneratedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis result: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analysis results: %w", err)
	}

	return results, nil
}

// Ensure analysisResultRepository implements AnalysisResultRepository at compile time.
var _ AnalysisResultRepository = (*analysisResultRepository)(nil)
