package maintenance

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/stats"
	"github.com/kalambet/genreview/internal/storage"
)

type fakeSnap struct{ n atomic.Int64 }

func (f *fakeSnap) Snapshot(context.Context) (stats.Dashboard, error) {
	f.n.Add(1)
	return stats.Dashboard{}, nil
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{ExpireSchedule: "every now and then"}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestTasksRegistered(t *testing.T) {
	s, err := New(Config{ExpireSchedule: "*/5 * * * *", EvictSchedule: "@hourly", SnapshotSchedule: "* * * * *"},
		nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// No snapshotter configured, so its schedule is ignored.
	if got, want := s.Tasks(), []string{TaskEvict, TaskExpire}; !reflect.DeepEqual(got, want) {
		t.Errorf("Tasks() = %v, want %v", got, want)
	}

	s, err = New(Config{SnapshotSchedule: "* * * * *"}, nil, &fakeSnap{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Tasks(); len(got) != 1 || got[0] != TaskSnapshot {
		t.Errorf("Tasks() = %v, want [%s]", got, TaskSnapshot)
	}
}

func TestRunExpiresAndEvicts(t *testing.T) {
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(t0)
	c := cache.New(db, cache.Options{Clock: fc})
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c", "d"} {
		ttl := time.Hour
		if i == 0 {
			ttl = time.Minute
		}
		fc.Advance(time.Second)
		if err := c.Set(ctx, key, &payload.FillInBlank{Sentence: "a ___", Answer: key}, cache.SetOptions{Provider: "p", TTL: ttl}); err != nil {
			t.Fatal(err)
		}
	}
	fc.Advance(5 * time.Minute)

	s, err := New(Config{MaxEntries: 2}, c, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(ctx, TaskExpire); err != nil {
		t.Fatalf("Run(expire): %v", err)
	}
	if err := s.Run(ctx, TaskEvict); err != nil {
		t.Fatalf("Run(evict): %v", err)
	}
	active, expired, err := db.CountCacheEntries(ctx, fc.Now())
	if err != nil {
		t.Fatal(err)
	}
	if active != 2 || expired != 0 {
		t.Errorf("active = %d expired = %d, want 2/0", active, expired)
	}
	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry b survived eviction")
	}
}

func TestRunUnknownTask(t *testing.T) {
	s, err := New(Config{}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background(), TaskSnapshot); err == nil {
		t.Error("expected error for snapshot without a snapshotter")
	}
}

func TestSchedulerFiresSnapshot(t *testing.T) {
	snap := &fakeSnap{}
	s, err := New(Config{SnapshotSchedule: "@every 1s"}, nil, snap, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for snap.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if snap.n.Load() == 0 {
		t.Error("snapshot task never ran")
	}
}
