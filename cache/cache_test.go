package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/casys-ai/pml-gateway/domain"
	"github.com/redis/go-redis/v9"
)

// cacheUnderTest runs the same contract suite against both backends.
func backends(t *testing.T) map[string]WorkflowCache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]WorkflowCache{
		"memory": NewMemory(time.Hour),
		"redis":  NewRedis(client, time.Hour),
	}
}

func sampleState(id string) *domain.WorkflowState {
	return &domain.WorkflowState{
		WorkflowID: id,
		Status:     domain.WorkflowRunning,
		Intent:     "read the config file",
		DAG: &domain.DAG{Tasks: []domain.Task{
			{ID: "n1", Type: domain.TaskToolCall, Tool: "fs:read"},
		}},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleState("wf-1")
			if err := c.Save(ctx, want); err != nil {
				t.Fatalf("Save() error: %v", err)
			}
			got, err := c.Get(ctx, "wf-1")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if got.Intent != want.Intent || got.Status != want.Status {
				t.Errorf("Get() = %+v, want %+v", got, want)
			}
			if len(got.DAG.Tasks) != 1 || got.DAG.Tasks[0].ID != "n1" {
				t.Errorf("DAG not preserved: %+v", got.DAG)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(absent) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.Save(ctx, sampleState("wf-2")); err != nil {
				t.Fatal(err)
			}
			err := c.Update(ctx, "wf-2", func(s *domain.WorkflowState) error {
				s.Status = domain.WorkflowPaused
				return nil
			})
			if err != nil {
				t.Fatalf("Update() error: %v", err)
			}
			got, err := c.Get(ctx, "wf-2")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != domain.WorkflowPaused {
				t.Errorf("Status = %s, want paused", got.Status)
			}
		})
	}
}

func TestUpdateMissingFails(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := c.Update(context.Background(), "absent", func(*domain.WorkflowState) error { return nil })
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Update(absent) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdateCallbackErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.Save(ctx, sampleState("wf-3")); err != nil {
				t.Fatal(err)
			}
			err := c.Update(ctx, "wf-3", func(s *domain.WorkflowState) error {
				s.Status = domain.WorkflowFailed
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update() = %v, want boom", err)
			}
			got, _ := c.Get(ctx, "wf-3")
			if got.Status != domain.WorkflowRunning {
				t.Errorf("Status = %s, aborted update must not persist", got.Status)
			}
		})
	}
}

func TestDeleteIdempotent(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := c.Save(ctx, sampleState("wf-4")); err != nil {
				t.Fatal(err)
			}
			if err := c.Delete(ctx, "wf-4"); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if err := c.Delete(ctx, "wf-4"); err != nil {
				t.Errorf("second Delete() error: %v", err)
			}
			if _, err := c.Get(ctx, "wf-4"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestExtendMissing(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := c.Extend(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Extend(absent) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedis(client, time.Minute)

	ctx := context.Background()
	if err := c.Save(ctx, sampleState("wf-ttl")); err != nil {
		t.Fatal(err)
	}

	// The store owns expiration; fast-forward past the TTL.
	mr.FastForward(2 * time.Minute)

	if _, err := c.Get(ctx, "wf-ttl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestRedisExtendRefreshesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedis(client, time.Minute)

	ctx := context.Background()
	if err := c.Save(ctx, sampleState("wf-ext")); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(45 * time.Second)
	if err := c.Extend(ctx, "wf-ext"); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	mr.FastForward(45 * time.Second)

	if _, err := c.Get(ctx, "wf-ext"); err != nil {
		t.Errorf("Get after extend = %v, want state alive", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	if err := m.Save(ctx, sampleState("wf-mem")); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := m.Get(ctx, "wf-mem"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}
