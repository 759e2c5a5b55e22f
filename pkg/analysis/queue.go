package analysis

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/events"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/logging"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/repositories"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/retry"
)

// Options tunes the analysis queue.
type Options struct {
	Workers        int
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// OptionsFromConfig maps the analysis config section onto queue options.
func OptionsFromConfig(cfg *config.AnalysisConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout(),
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
	}
}

// CompletionPayload is the event payload for ANALYSIS_COMPLETED.
type CompletionPayload struct {
	FailureID uuid.UUID             `json:"failure_id"`
	Status    models.AnalysisStatus `json:"status"`
	ResultID  *uuid.UUID            `json:"result_id,omitempty"`
	Attempts  int                   `json:"attempts"`
}

// Queue runs AI diagnosis jobs over failure records with a bounded worker
// pool. At most one job per failure exists at a time, enforced when the job
// is accepted. Jobs are processed FIFO; transient diagnosis errors retry
// with capped exponential backoff, permanent errors exhaust immediately.
type Queue struct {
	failures    repositories.ExecutionFailureRepository
	results     repositories.AnalysisResultRepository
	workflows   repositories.WorkflowRecordRepository
	client      DiagnosisClient
	broadcaster *events.Broadcaster
	opts        Options
	logger      *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight map[uuid.UUID]bool
	pending  []uuid.UUID
	stopping bool
	started  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates an analysis queue. Call Start before enqueueing.
func NewQueue(
	failures repositories.ExecutionFailureRepository,
	results repositories.AnalysisResultRepository,
	workflows repositories.WorkflowRecordRepository,
	client DiagnosisClient,
	broadcaster *events.Broadcaster,
	opts Options,
	logger *zap.Logger,
) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	q := &Queue{
		failures:    failures,
		results:     results,
		workflows:   workflows,
		client:      client,
		broadcaster: broadcaster,
		opts:        opts,
		inFlight:    make(map[uuid.UUID]bool),
		stopCh:      make(chan struct{}),
		logger:      logger.Named("analysis"),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopping {
		return
	}
	q.started = true

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("analysis queue started", zap.Int("workers", q.opts.Workers))
}

// Stop drains the queue: in-flight jobs finish their current attempt,
// pending jobs are dropped. Dropped jobs keep their queued status and are
// picked up by Recover on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	close(q.stopCh)
	q.cond.Broadcast()
	q.wg.Wait()

	if dropped > 0 {
		q.logger.Info("dropped pending analysis jobs on shutdown", zap.Int("dropped", dropped))
	}
}

// Enqueue accepts a failure for analysis. Returns apperrors.ErrAlreadyQueued
// when a job for the failure is already queued or running. Terminal failures
// are accepted again: re-analysis produces a new result row.
func (q *Queue) Enqueue(ctx context.Context, failureID uuid.UUID) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return fmt.Errorf("analysis queue is shut down")
	}
	if q.inFlight[failureID] {
		q.mu.Unlock()
		return apperrors.ErrAlreadyQueued
	}
	// Reserve the subject before touching the database so a concurrent
	// enqueue of the same failure cannot slip in between.
	q.inFlight[failureID] = true
	q.mu.Unlock()

	failure, err := q.failures.GetByID(ctx, failureID)
	if err != nil {
		q.release(failureID)
		return err
	}
	if !failure.AnalysisStatus.CanTransitionTo(models.AnalysisStatusQueued) {
		q.release(failureID)
		if failure.AnalysisStatus == models.AnalysisStatusQueued || failure.AnalysisStatus == models.AnalysisStatusAnalyzing {
			return apperrors.ErrAlreadyQueued
		}
		return fmt.Errorf("cannot queue failure in status %s", failure.AnalysisStatus)
	}
	if err := q.failures.UpdateAnalysisStatus(ctx, failureID, models.AnalysisStatusQueued); err != nil {
		q.release(failureID)
		return err
	}

	q.mu.Lock()
	q.pending = append(q.pending, failureID)
	q.mu.Unlock()
	q.cond.Signal()

	q.logger.Debug("analysis job queued", zap.String("failure_id", failureID.String()))
	return nil
}

// Recover re-enqueues failure records a previous process left mid-flight.
// Called once at startup, before the sync engine runs.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	requeued := 0
	for _, status := range []models.AnalysisStatus{models.AnalysisStatusQueued, models.AnalysisStatusAnalyzing} {
		orphans, err := q.failures.ListByStatus(ctx, status)
		if err != nil {
			return requeued, fmt.Errorf("failed to list %s failures: %w", status, err)
		}
		for _, failure := range orphans {
			if err := q.failures.UpdateAnalysisStatus(ctx, failure.ID, models.AnalysisStatusUnanalyzed); err != nil {
				q.logger.Warn("failed to reset orphaned failure",
					zap.String("failure_id", failure.ID.String()),
					zap.Error(err))
				continue
			}
			if err := q.Enqueue(ctx, failure.ID); err != nil {
				q.logger.Warn("failed to re-enqueue orphaned failure",
					zap.String("failure_id", failure.ID.String()),
					zap.Error(err))
				continue
			}
			requeued++
		}
	}
	if requeued > 0 {
		q.logger.Info("recovered orphaned analysis jobs", zap.Int("requeued", requeued))
	}
	return requeued, nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		failureID, ok := q.next()
		if !ok {
			return
		}
		q.process(failureID)
	}
}

// next blocks until a job is available or the queue stops.
func (q *Queue) next() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.stopping {
		q.cond.Wait()
	}
	if q.stopping {
		return uuid.Nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id, true
}

func (q *Queue) release(failureID uuid.UUID) {
	q.mu.Lock()
	delete(q.inFlight, failureID)
	q.mu.Unlock()
}

// process runs one diagnosis job to a terminal state. Jobs run on a
// background context: they were accepted and must not die with the HTTP
// request that triggered them.
func (q *Queue) process(failureID uuid.UUID) {
	defer q.release(failureID)
	ctx := context.Background()

	failure, err := q.failures.GetByID(ctx, failureID)
	if err != nil {
		q.logger.Error("failed to load failure for analysis",
			zap.String("failure_id", failureID.String()),
			zap.Error(err))
		return
	}
	if err := q.failures.UpdateAnalysisStatus(ctx, failureID, models.AnalysisStatusAnalyzing); err != nil {
		q.logger.Error("failed to mark failure analyzing",
			zap.String("failure_id", failureID.String()),
			zap.Error(err))
		return
	}

	req := requestFor(failure, q.workflowName(ctx, failure))

	var result *DiagnosisResult
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
		result, lastErr = q.client.Diagnose(attemptCtx, req)
		cancel()

		if lastErr == nil {
			break
		}
		if !retry.IsRetryable(lastErr) {
			q.logger.Warn("diagnosis failed permanently",
				zap.String("failure_id", failureID.String()),
				zap.Int("attempt", attempt),
				zap.String("error", logging.SanitizeError(lastErr)))
			break
		}
		if attempt == q.opts.MaxAttempts {
			break
		}

		delay := jitter(q.backoffDelay(attempt))
		q.logger.Debug("diagnosis attempt failed, backing off",
			zap.String("failure_id", failureID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(lastErr)))

		select {
		case <-time.After(delay):
		case <-q.stopCh:
			// Left in analyzing; the restart sweep re-enqueues it.
			q.logger.Info("abandoning analysis job on shutdown",
				zap.String("failure_id", failureID.String()))
			return
		}
	}

	if result == nil {
		q.finish(ctx, failure, models.AnalysisStatusFailed, nil, attempts)
		q.logger.Warn("analysis exhausted",
			zap.String("failure_id", failureID.String()),
			zap.Int("attempts", attempts),
			zap.String("error", logging.SanitizeError(lastErr)))
		return
	}

	res := &models.AnalysisResult{
		FailureID:        failure.ID,
		Diagnosis:        result.Diagnosis,
		SuggestedFix:     result.SuggestedFix,
		ModelTag:         result.ModelTag,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	}
	if err := q.results.Create(ctx, res); err != nil {
		q.logger.Error("failed to persist analysis result",
			zap.String("failure_id", failureID.String()),
			zap.Error(err))
		q.finish(ctx, failure, models.AnalysisStatusFailed, nil, attempts)
		return
	}

	q.finish(ctx, failure, models.AnalysisStatusAnalyzed, &res.ID, attempts)
	q.logger.Info("analysis completed",
		zap.String("failure_id", failureID.String()),
		zap.String("result_id", res.ID.String()),
		zap.Int("attempts", attempts))
}

// finish writes the terminal status and publishes the completion event.
func (q *Queue) finish(ctx context.Context, failure *models.ExecutionFailure, status models.AnalysisStatus, resultID *uuid.UUID, attempts int) {
	if err := q.failures.UpdateAnalysisStatus(ctx, failure.ID, status); err != nil {
		q.logger.Error("failed to write terminal analysis status",
			zap.String("failure_id", failure.ID.String()),
			zap.Error(err))
		return
	}

	ownerID, err := q.failures.OwnerOf(ctx, failure.ID)
	if err != nil {
		q.logger.Warn("failed to resolve failure owner for event",
			zap.String("failure_id", failure.ID.String()),
			zap.Error(err))
		return
	}
	q.broadcaster.Publish(ctx, models.Event{
		Kind:       models.EventAnalysisCompleted,
		OwnerID:    ownerID,
		InstanceID: failure.InstanceID,
		Payload: CompletionPayload{
			FailureID: failure.ID,
			Status:    status,
			ResultID:  resultID,
			Attempts:  attempts,
		},
	})
}

// workflowName resolves the display name of the failed workflow. Empty when
// the workflow is gone from the cache.
func (q *Queue) workflowName(ctx context.Context, failure *models.ExecutionFailure) string {
	records, err := q.workflows.ListByInstance(ctx, failure.InstanceID)
	if err != nil {
		return ""
	}
	for _, rec := range records {
		if rec.RemoteID == failure.WorkflowRemoteID {
			return rec.Name
		}
	}
	return ""
}

// backoffDelay computes the base delay after the given attempt number:
// initial * 2^(attempt-1), capped. Non-decreasing in attempt.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	delay := q.opts.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	if delay > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return delay
}

// jitter spreads a delay by up to ±10% so retries from concurrent jobs
// don't align.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
