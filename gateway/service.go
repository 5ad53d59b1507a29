package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/router"
)

// Meta-tool request subjects.
const (
	subjectMetaExecute  = "pml.meta.execute"
	subjectMetaDiscover = "pml.meta.discover"
	subjectMetaAbort    = "pml.meta.abort"
	subjectMetaReplan   = "pml.meta.replan"
)

// Service exposes the router's meta-tools over NATS request-reply. Each
// request handler runs on its own goroutine; long executions hold only
// their own reply, never the subscription.
type Service struct {
	rt     *router.Router
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewService subscribes the meta-tool handlers on the connection.
func NewService(nc *nats.Conn, rt *router.Router, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{rt: rt, logger: logger}

	handlers := map[string]func(context.Context, []byte) (any, error){
		subjectMetaExecute:  s.handleExecute,
		subjectMetaDiscover: s.handleDiscover,
		subjectMetaAbort:    s.handleAbort,
		subjectMetaReplan:   s.handleReplan,
	}
	for subject, handle := range handlers {
		subject, handle := subject, handle
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			go s.reply(subject, msg, handle)
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

// Close drops the meta-tool subscriptions.
func (s *Service) Close() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe meta-tool", slog.String("error", err.Error()))
		}
	}
	s.subs = nil
}

func (s *Service) reply(subject string, msg *nats.Msg, handle func(context.Context, []byte) (any, error)) {
	out, err := handle(context.Background(), msg.Data)
	if err != nil {
		s.logger.Warn("meta-tool request failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		out = map[string]any{"error": err.Error()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("marshal meta-tool reply",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("respond to meta-tool request",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

func (s *Service) handleExecute(ctx context.Context, data []byte) (any, error) {
	var req router.ExecuteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode execute request: %w", err)
	}
	return s.rt.Execute(ctx, req)
}

func (s *Service) handleDiscover(ctx context.Context, data []byte) (any, error) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode discover request: %w", err)
	}
	return s.rt.Discover(ctx, req.Query)
}

func (s *Service) handleAbort(ctx context.Context, data []byte) (any, error) {
	var req struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode abort request: %w", err)
	}
	return s.rt.Abort(ctx, req.WorkflowID)
}

func (s *Service) handleReplan(ctx context.Context, data []byte) (any, error) {
	var req struct {
		WorkflowID string      `json:"workflow_id"`
		DAG        *domain.DAG `json:"dag"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode replan request: %w", err)
	}
	return s.rt.Replan(ctx, req.WorkflowID, req.DAG)
}
