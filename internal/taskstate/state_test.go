package taskstate

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type harness struct {
	store   Store
	advance func(time.Duration)
}

func newHarnesses(t *testing.T) map[string]harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := NewMemoryStore()
	var offset atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return base.Add(time.Duration(offset.Load())) })

	return map[string]harness{
		"redis": {
			store:   NewRedisStore(client),
			advance: mr.FastForward,
		},
		"memory": {
			store:   mem,
			advance: func(d time.Duration) { offset.Add(int64(d)) },
		},
	}
}

func sampleTask(id string, total int) Task {
	return Task{
		TaskID:      id,
		TotalChunks: total,
		FileName:    "report.pdf",
		FilePath:    "/docs",
		ExpectedMD5: "0cc175b9c0f1b6a831c399e269772661",
		FileSize:    300,
		OwnerID:     "alice",
		Category:    "document",
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleTask("t1", 3)
			if err := h.store.Create(ctx, want, time.Hour); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			got, err := h.store.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("Load() = %+v, want %+v", got, want)
			}

			pending, err := h.store.Pending(ctx, "t1")
			if err != nil {
				t.Fatalf("Pending() error = %v", err)
			}
			if !reflect.DeepEqual(pending, []int{1, 2, 3}) {
				t.Fatalf("Pending() = %v, want [1 2 3]", pending)
			}

			if _, err := h.store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_RejectsInvalidTask(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, sampleTask("", 1), time.Hour); err == nil {
				t.Fatalf("Create(empty id) error = nil")
			}
			if err := h.store.Create(ctx, sampleTask("t", 0), time.Hour); err == nil {
				t.Fatalf("Create(0 chunks) error = nil")
			}
			if err := h.store.Create(ctx, sampleTask("t", 1), 0); err == nil {
				t.Fatalf("Create(0 ttl) error = nil")
			}
		})
	}
}

func TestStore_PendingMembershipAndCounter(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, sampleTask("t2", 2), time.Hour); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			removed, err := h.store.RemovePending(ctx, "t2", 2)
			if err != nil || !removed {
				t.Fatalf("RemovePending(2) = %v, %v, want true", removed, err)
			}
			removed, err = h.store.RemovePending(ctx, "t2", 2)
			if err != nil || removed {
				t.Fatalf("second RemovePending(2) = %v, %v, want false", removed, err)
			}

			if err := h.store.AddPending(ctx, "t2", 2); err != nil {
				t.Fatalf("AddPending() error = %v", err)
			}
			pending, _ := h.store.Pending(ctx, "t2")
			if !reflect.DeepEqual(pending, []int{1, 2}) {
				t.Fatalf("Pending() = %v, want [1 2]", pending)
			}

			n, err := h.store.IncrementUploaded(ctx, "t2")
			if err != nil || n != 1 {
				t.Fatalf("IncrementUploaded() = %d, %v, want 1", n, err)
			}
			task, err := h.store.Load(ctx, "t2")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if task.Uploaded != 1 {
				t.Fatalf("Uploaded = %d, want 1", task.Uploaded)
			}
		})
	}
}

func TestStore_ReaddAfterSetEmptiedKeepsExpiry(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, sampleTask("t3", 1), time.Hour); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if _, err := h.store.RemovePending(ctx, "t3", 1); err != nil {
				t.Fatalf("RemovePending() error = %v", err)
			}
			if err := h.store.AddPending(ctx, "t3", 1); err != nil {
				t.Fatalf("AddPending() error = %v", err)
			}

			h.advance(2 * time.Hour)

			pending, err := h.store.Pending(ctx, "t3")
			if err != nil {
				t.Fatalf("Pending() error = %v", err)
			}
			if len(pending) != 0 {
				t.Fatalf("Pending() after expiry = %v, want empty", pending)
			}
		})
	}
}

func TestStore_ExpiredTaskIsGone(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, sampleTask("t4", 2), time.Hour); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			h.advance(time.Hour + time.Second)

			if _, err := h.store.Load(ctx, "t4"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load() error = %v, want ErrNotFound", err)
			}
			if _, err := h.store.IncrementUploaded(ctx, "t4"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("IncrementUploaded() error = %v, want ErrNotFound", err)
			}
			if err := h.store.AddPending(ctx, "t4", 1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("AddPending() error = %v, want ErrNotFound", err)
			}
			if _, err := h.store.ClaimAssembly(ctx, "t4"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ClaimAssembly() error = %v, want ErrNotFound", err)
			}
			ok, err := h.store.Exists(ctx, "t4")
			if err != nil || ok {
				t.Fatalf("Exists() = %v, %v, want false", ok, err)
			}
		})
	}
}

func TestStore_ClaimAssemblyOnce(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, sampleTask("t5", 1), time.Hour); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := h.store.ClaimAssembly(ctx, "t5")
					if err != nil {
						t.Errorf("ClaimAssembly() error = %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Fatalf("claim winners = %d, want 1", wins.Load())
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := h.store.Create(ctx, sampleTask("t6", 2), time.Hour); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if err := h.store.Delete(ctx, "t6"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := h.store.Delete(ctx, "t6"); err != nil {
				t.Fatalf("Delete(again) error = %v", err)
			}
			if _, err := h.store.Load(ctx, "t6"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load() error = %v, want ErrNotFound", err)
			}
			pending, _ := h.store.Pending(ctx, "t6")
			if len(pending) != 0 {
				t.Fatalf("Pending() = %v, want empty", pending)
			}
		})
	}
}
