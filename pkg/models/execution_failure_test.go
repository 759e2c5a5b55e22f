package models

import "testing"

func TestAnalysisStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    AnalysisStatus
		to      AnalysisStatus
		allowed bool
	}{
		{"unanalyzed to queued", AnalysisStatusUnanalyzed, AnalysisStatusQueued, true},
		{"queued to analyzing", AnalysisStatusQueued, AnalysisStatusAnalyzing, true},
		{"queued back to unanalyzed on restart sweep", AnalysisStatusQueued, AnalysisStatusUnanalyzed, true},
		{"analyzing to analyzed", AnalysisStatusAnalyzing, AnalysisStatusAnalyzed, true},
		{"analyzing to failed", AnalysisStatusAnalyzing, AnalysisStatusFailed, true},
		{"analyzing back to unanalyzed on restart sweep", AnalysisStatusAnalyzing, AnalysisStatusUnanalyzed, true},
		{"analyzed to queued for re-analysis", AnalysisStatusAnalyzed, AnalysisStatusQueued, true},
		{"failed to queued for re-analysis", AnalysisStatusFailed, AnalysisStatusQueued, true},
		{"unanalyzed to analyzing skips queue", AnalysisStatusUnanalyzed, AnalysisStatusAnalyzing, false},
		{"analyzed to analyzing forbidden", AnalysisStatusAnalyzed, AnalysisStatusAnalyzing, false},
		{"failed to analyzed forbidden", AnalysisStatusFailed, AnalysisStatusAnalyzed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("CanTransitionTo(%s → %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestAnalysisStatusIsTerminal(t *testing.T) {
	terminal := map[AnalysisStatus]bool{
		AnalysisStatusUnanalyzed: false,
		AnalysisStatusQueued:     false,
		AnalysisStatusAnalyzing:  false,
		AnalysisStatusAnalyzed:   true,
		AnalysisStatusFailed:     true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}
