package matcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/casys-ai/pml-gateway/store"
)

// Threshold bounds: suggestion thresholds live in [0.40, 0.90],
// explicit ones in [0.30, 0.80].
const (
	suggestionFloor = 0.40
	suggestionCeil  = 0.90
	explicitFloor   = 0.30
	explicitCeil    = 0.80

	// Feedback deltas: success loosens slowly, failure tightens fast.
	successDelta = -0.01
	failureDelta = 0.05
)

// ContextHash keys the adaptive-threshold row: the sorted context
// tool set, or "global" when the caller supplied none.
func ContextHash(contextTools []string) string {
	if len(contextTools) == 0 {
		return "global"
	}
	sorted := append([]string{}, contextTools...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Thresholds serves per-context match thresholds and folds execution
// outcomes back into them.
type Thresholds struct {
	store    store.ThresholdStore
	fallback float64
	logger   *slog.Logger
}

// NewThresholds wires the threshold service. defaultThreshold applies
// to contexts without a stored row.
func NewThresholds(s store.ThresholdStore, defaultThreshold float64, logger *slog.Logger) *Thresholds {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultThreshold <= 0 {
		defaultThreshold = 0.70
	}
	return &Thresholds{store: s, fallback: defaultThreshold, logger: logger}
}

// Suggestion returns the clamped suggestion threshold for a context.
func (t *Thresholds) Suggestion(ctx context.Context, contextHash string) float64 {
	row, err := t.store.Get(ctx, contextHash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("threshold lookup failed",
				slog.String("context_hash", contextHash),
				slog.String("error", err.Error()))
		}
		return clamp(t.fallback, suggestionFloor, suggestionCeil)
	}
	return clamp(row.Suggestion, suggestionFloor, suggestionCeil)
}

// Explicit returns the clamped explicit-execution threshold for a
// context. Explicit invocations tolerate lower confidence than
// unsolicited suggestions.
func (t *Thresholds) Explicit(ctx context.Context, contextHash string) float64 {
	row, err := t.store.Get(ctx, contextHash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("threshold lookup failed",
				slog.String("context_hash", contextHash),
				slog.String("error", err.Error()))
		}
		return 0.55
	}
	return clamp(row.Explicit, explicitFloor, explicitCeil)
}

// Feedback nudges the context's thresholds after an accepted match
// executed: success lowers them toward the floor, failure raises them
// toward the ceiling, and the row's running stats are updated.
func (t *Thresholds) Feedback(ctx context.Context, contextHash string, contextTools []string, success bool) error {
	row, err := t.store.Get(ctx, contextHash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load threshold %s: %w", contextHash, err)
		}
		row = &store.Threshold{
			ContextHash: contextHash,
			ContextKeys: contextTools,
			Suggestion:  t.fallback,
			Explicit:    0.55,
		}
	}

	delta := failureDelta
	outcome := 0.0
	if success {
		delta = successDelta
		outcome = 1.0
	}
	row.Suggestion = clamp(row.Suggestion+delta, suggestionFloor, suggestionCeil)
	row.Explicit = clamp(row.Explicit+delta, explicitFloor, explicitCeil)

	n := float64(row.SampleCount)
	row.SuccessRate = (row.SuccessRate*n + outcome) / (n + 1)
	row.SampleCount++

	if err := t.store.Put(ctx, *row); err != nil {
		return fmt.Errorf("store threshold %s: %w", contextHash, err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
