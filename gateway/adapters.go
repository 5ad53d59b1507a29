package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/suggest"
)

// NATS request subjects for the collaborator services. Tool calls go to
// a per-tool subject so MCP host processes can subscribe selectively.
const (
	subjectToolPrefix   = "pml.mcp.invoke."
	subjectToolSearch   = "pml.mcp.search"
	subjectSandboxRun   = "pml.sandbox.run"
	subjectEmbedIntent  = "pml.embed.intent"
	defaultReplyTimeout = 30 * time.Second
)

// NATSAdapters exposes the external collaborators over NATS
// request-reply: MCP tool dispatch, snippet sandbox, intent embedding
// and tool-catalog search.
type NATSAdapters struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSAdapters wraps a NATS connection. timeout bounds each
// request when the caller's context carries no deadline.
func NewNATSAdapters(nc *nats.Conn, timeout time.Duration) *NATSAdapters {
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	return &NATSAdapters{nc: nc, timeout: timeout}
}

type replyEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// request performs one JSON request-reply exchange.
func (a *NATSAdapters) request(ctx context.Context, subject string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	msg, err := a.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	var reply replyEnvelope
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Result, nil
}

// toolSubject maps a qualified tool name onto its invoke subject:
// "fs:read" becomes "pml.mcp.invoke.fs.read".
func toolSubject(tool string) string {
	return subjectToolPrefix + strings.ReplaceAll(tool, ":", ".")
}

// Invoke implements executor.ToolInvoker.
func (a *NATSAdapters) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	raw, err := a.request(ctx, toolSubject(tool), struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args,omitempty"`
	}{Tool: tool, Args: args})
	if err != nil {
		return nil, err
	}
	return decodeResult(raw)
}

// Run implements executor.Sandbox.
func (a *NATSAdapters) Run(ctx context.Context, code string, inputs map[string]any, perms domain.PermissionSet) (any, error) {
	raw, err := a.request(ctx, subjectSandboxRun, struct {
		Code          string         `json:"code"`
		Inputs        map[string]any `json:"inputs,omitempty"`
		PermissionSet string         `json:"permission_set"`
	}{Code: code, Inputs: inputs, PermissionSet: string(perms)})
	if err != nil {
		return nil, err
	}
	return decodeResult(raw)
}

// Embed implements store.Embedder.
func (a *NATSAdapters) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := a.request(ctx, subjectEmbedIntent, struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return nil, err
	}
	var embedding []float32
	if err := json.Unmarshal(raw, &embedding); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return embedding, nil
}

// SearchTools implements suggest.ToolCatalog.
func (a *NATSAdapters) SearchTools(ctx context.Context, intent string, k int) ([]suggest.ScoredTool, error) {
	raw, err := a.request(ctx, subjectToolSearch, struct {
		Intent string `json:"intent"`
		K      int    `json:"k"`
	}{Intent: intent, K: k})
	if err != nil {
		return nil, err
	}
	var hits []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, fmt.Errorf("decode tool hits: %w", err)
	}
	out := make([]suggest.ScoredTool, 0, len(hits))
	for _, h := range hits {
		out = append(out, suggest.ScoredTool{Name: h.Name, Score: h.Score})
	}
	return out, nil
}

// decodeResult unwraps the reply payload into plain JSON values.
func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}
