package executor

import (
	"context"

	"github.com/casys-ai/pml-gateway/domain"
)

// speculation tracks pre-dispatched tasks and their held results.
// Owned by the scheduler goroutine.
type speculation struct {
	pending    map[string]bool       // speculative dispatch in flight
	held       map[string]completion // held results awaiting the real ready time
	attempted  map[string]bool       // one speculation attempt per task
	suppressed map[string]bool
}

func newSpeculation() *speculation {
	return &speculation{
		pending:    make(map[string]bool),
		held:       make(map[string]completion),
		attempted:  make(map[string]bool),
		suppressed: make(map[string]bool),
	}
}

func (s *speculation) inFlight(id string) bool { return s.pending[id] }

func (s *speculation) anyInFlight() bool { return len(s.pending) > 0 }

func (s *speculation) store(id string, c completion) {
	delete(s.pending, id)
	s.held[id] = c
}

func (s *speculation) take(id string) (completion, bool) {
	c, ok := s.held[id]
	if ok {
		delete(s.held, id)
	}
	return c, ok
}

// speculate pre-dispatches tasks the predictor is confident about.
// Dangerous tools never speculate; the suppression is audited once.
func (e *Executor) speculate(ctx context.Context, run *workflowRun, completions chan<- completion) {
	if e.deps.Predictor == nil {
		return
	}
	for _, t := range run.dag.Tasks {
		id := t.ID
		if run.running[id] || run.unreachable[id] ||
			run.spec.pending[id] || run.spec.attempted[id] {
			continue
		}
		// Approval gates are never pre-empted.
		if t.RequiresApproval {
			continue
		}
		if _, done := run.completed[id]; done {
			continue
		}
		if _, held := run.spec.held[id]; held {
			continue
		}
		if len(run.running)+len(run.spec.pending) >= e.cfg.MaxConcurrency {
			return
		}
		args, confidence := e.deps.Predictor.Predict(run.id, t)
		if args == nil || confidence < e.cfg.SpeculationThreshold {
			continue
		}
		if e.dangerous != nil && e.dangerous.MatchString(t.Tool) {
			if !run.spec.suppressed[id] {
				run.spec.suppressed[id] = true
				speculationTotal.WithLabelValues("suppressed").Inc()
				e.emit(domain.Event{Type: domain.EventSpeculationSuppressed,
					WorkflowID: run.id, TaskID: id,
					Payload: map[string]any{"tool": t.Tool, "confidence": confidence}})
			}
			continue
		}
		run.spec.attempted[id] = true
		run.spec.pending[id] = true
		go e.dispatch(ctx, run, t, args, t.PermissionSet, true, completions)
	}
}

// consumeSpeculation delivers a held speculative result iff its
// argument fingerprint matches the real materialised arguments. A
// mismatch discards the result and the task runs normally.
func (e *Executor) consumeSpeculation(run *workflowRun, t *domain.Task) (completion, bool) {
	c, ok := run.spec.take(t.ID)
	if !ok {
		return completion{}, false
	}
	args, err := run.materialize(t)
	if err != nil || fingerprint(args) != c.fingerprint {
		speculationTotal.WithLabelValues("miss").Inc()
		e.emit(domain.Event{Type: domain.EventSpeculationMiss,
			WorkflowID: run.id, TaskID: t.ID})
		return completion{}, false
	}
	speculationTotal.WithLabelValues("hit").Inc()
	e.emit(domain.Event{Type: domain.EventSpeculationHit,
		WorkflowID: run.id, TaskID: t.ID})
	c.result.Args = args
	return c, true
}
