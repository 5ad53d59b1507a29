// Package gateway wires the configured components into a running
// process: stores, cache, bus, sink, matcher, suggester, executor and
// router, plus the heartbeat loop and graceful shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/casys-ai/pml-gateway/bus"
	"github.com/casys-ai/pml-gateway/cache"
	"github.com/casys-ai/pml-gateway/config"
	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/executor"
	"github.com/casys-ai/pml-gateway/matcher"
	"github.com/casys-ai/pml-gateway/router"
	"github.com/casys-ai/pml-gateway/store"
	"github.com/casys-ai/pml-gateway/structure"
	"github.com/casys-ai/pml-gateway/suggest"
	"github.com/casys-ai/pml-gateway/trace"
)

// heartbeatInterval is the liveness cadence on the bus.
const heartbeatInterval = 30 * time.Second

// External are the collaborators the gateway does not own: snippet
// sandbox, MCP tool dispatch, intent embedding, tool catalog and the
// optional speculation predictor. Catalog and Predictor may be nil.
type External struct {
	Sandbox   executor.Sandbox
	Tools     executor.ToolInvoker
	Embedder  store.Embedder
	Catalog   suggest.ToolCatalog
	Predictor executor.Predictor
}

// Gateway is the wired process.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	pg       *store.Postgres
	redis    *redis.Client
	wcache   cache.WorkflowCache
	nc       *nats.Conn
	bus      *bus.Bus
	fanout   *bus.Fanout
	sink     *trace.Sink
	executor *executor.Executor
	router   *router.Router

	heartbeat time.Duration
}

// New connects the backends and wires every component. On error,
// everything already opened is closed again.
func New(ctx context.Context, cfg *config.Config, ext External, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ext.Sandbox == nil || ext.Tools == nil || ext.Embedder == nil {
		return nil, fmt.Errorf("gateway: sandbox, tools and embedder are required")
	}

	g := &Gateway{cfg: cfg, logger: logger, heartbeat: heartbeatInterval}
	ok := false
	defer func() {
		if !ok {
			g.closeBackends()
		}
	}()

	pg, err := store.NewPostgres(ctx, cfg.Database.URL, ext.Embedder, logger)
	if err != nil {
		return nil, err
	}
	g.pg = pg
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		g.redis = client
		g.wcache = cache.NewRedis(client, cfg.Redis.WorkflowTTL)
	} else {
		logger.Warn("redis not configured, workflow state held in process memory")
		g.wcache = cache.NewMemory(cfg.Redis.WorkflowTTL)
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("pml-gateway"))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		g.nc = nc
	}

	g.bus = bus.New(logger, bus.WithQueueLength(cfg.Bus.SubscriberQueue))
	fanout, err := bus.NewFanout(g.bus, g.nc, cfg.NATS.SubjectPrefix, logger)
	if err != nil {
		return nil, err
	}
	g.fanout = fanout

	g.sink = trace.NewSink(pg, trace.Config{
		BufferSize:    cfg.Trace.BufferSize,
		FlushInterval: cfg.Trace.FlushInterval,
	}, logger)

	thresholds := matcher.NewThresholds(pg, cfg.Matcher.DefaultThreshold, logger)
	m := matcher.New(pg, pg, ext.Embedder, thresholds, g.sink, matcher.Config{
		CandidateK:       cfg.Matcher.CandidateK,
		DefaultThreshold: cfg.Matcher.DefaultThreshold,
	}, logger)
	suggester := suggest.New(m, pg, ext.Catalog, logger)

	exec, err := executor.New(executor.Config{
		MaxConcurrency:         cfg.Executor.MaxConcurrency,
		DefaultTaskTimeout:     cfg.Executor.DefaultTaskTimeout,
		AbortTimeout:           cfg.Executor.AbortTimeout,
		CheckpointsPerWorkflow: cfg.Executor.CheckpointsPerWorkflow,
		CheckpointEveryLayer:   cfg.Executor.CheckpointEveryLayer,
		SpeculationThreshold:   cfg.Executor.SpeculationThreshold,
		DangerousToolPattern:   cfg.Executor.DangerousToolPattern,
	}, executor.Deps{
		Sandbox:      ext.Sandbox,
		Tools:        ext.Tools,
		Capabilities: pg,
		Checkpoints:  pg,
		Cache:        g.wcache,
		Graph:        pg,
		Predictor:    ext.Predictor,
		Bus:          g.bus,
		Sink:         g.sink,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	g.executor = exec

	g.router = router.New(router.Deps{
		Builder:      structure.NewBuilder(logger),
		Executor:     exec,
		Suggester:    suggester,
		Thresholds:   thresholds,
		Capabilities: pg,
		Checkpoints:  pg,
		Graph:        pg,
		Tools:        ext.Catalog,
		Embedder:     ext.Embedder,
		Logger:       logger,
	})

	ok = true
	return g, nil
}

// Router returns the meta-tool surface.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Bus returns the event bus.
func (g *Gateway) Bus() *bus.Bus {
	return g.bus
}

// Run blocks until the context is cancelled, emitting a heartbeat with
// the in-flight workflow count every interval.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	g.logger.Info("gateway running",
		slog.String("database", g.cfg.Database.URL),
		slog.Bool("nats", g.nc != nil),
		slog.Bool("redis", g.redis != nil))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.bus.Emit(domain.Event{
				Type:    domain.EventHeartbeat,
				Payload: map[string]any{"in_flight": g.executor.InFlight()},
			})
		}
	}
}

// Close shuts the gateway down: the trace sink flushes within the
// context's deadline, then the backends close.
func (g *Gateway) Close(ctx context.Context) {
	if g.sink != nil {
		g.sink.Close(ctx)
	}
	g.closeBackends()
}

func (g *Gateway) closeBackends() {
	if g.fanout != nil {
		if err := g.fanout.Close(); err != nil {
			g.logger.Warn("close fan-out", slog.String("error", err.Error()))
		}
	}
	if g.nc != nil {
		g.nc.Close()
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn("close redis", slog.String("error", err.Error()))
		}
	}
	if g.pg != nil {
		g.pg.Close()
	}
}
