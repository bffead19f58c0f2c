package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/store"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testFactory(repo store.Repository, created *atomic.Int32) Factory {
	echo := responder.Func(func(_ context.Context, _ []domain.WireMessage) (domain.SupportReply, error) {
		return domain.SupportReply{Reply: "ok"}, nil
	})
	return func(ctx context.Context, ownerID string) (*session.Orchestrator, error) {
		if created != nil {
			created.Add(1)
		}
		return session.New(ctx, session.Config{
			OwnerID:     ownerID,
			Responder:   echo,
			Persistence: persist.New(repo, ownerID, nil),
		})
	}
}

func TestGetCreatesOncePerOwner(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	h := New(testFactory(store.NewMemory(), &created), nil)
	defer h.CloseAll(context.Background())

	a, err := h.Get(context.Background(), "dev_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	again, err := h.Get(context.Background(), "dev_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != again {
		t.Fatal("expected the same session for the same owner")
	}
	if _, err := h.Get(context.Background(), "dev_b"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := created.Load(); got != 2 {
		t.Fatalf("factory calls = %d, want 2", got)
	}
	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2", h.Len())
	}
}

func TestGetRefreshesActivityBeforeSweep(t *testing.T) {
	t.Parallel()

	h := New(testFactory(store.NewMemory(), nil), nil)
	defer h.CloseAll(context.Background())
	ctx := context.Background()

	first, err := h.Get(ctx, "dev_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	mark := time.Now()
	time.Sleep(5 * time.Millisecond)

	again, err := h.Get(ctx, "dev_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !again.LastActive().After(mark) {
		t.Fatalf("LastActive = %v, want after %v", again.LastActive(), mark)
	}
	// Idle since mark or earlier would be evicted; the second Get kept it live.
	if got := h.Sweep(mark.Add(time.Minute), time.Minute); len(got) != 0 {
		t.Fatalf("session handed out by Get was evicted: %v", got)
	}

	next, err := h.Get(ctx, "dev_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if next != first {
		t.Fatal("Get returned a new session after the sweep")
	}
}

func TestGetPropagatesFactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := New(func(context.Context, string) (*session.Orchestrator, error) { return nil, boom }, nil)
	if _, err := h.Get(context.Background(), "dev_a"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if h.Len() != 0 {
		t.Fatal("failed session was registered")
	}
}

func TestSweepSkipsAttachedAndRecent(t *testing.T) {
	t.Parallel()

	h := New(testFactory(store.NewMemory(), nil), nil)
	defer h.CloseAll(context.Background())
	ctx := context.Background()

	if _, err := h.Get(ctx, "idle"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, detach, err := h.Attach(ctx, "attached")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if got := h.Sweep(time.Now(), time.Hour); len(got) != 0 {
		t.Fatalf("recent sessions evicted: %v", got)
	}
	if diff := cmp.Diff([]string{"idle"}, h.Sweep(future, time.Minute)); diff != "" {
		t.Fatalf("evicted mismatch (-want +got):\n%s", diff)
	}

	detach()
	detach()
	if diff := cmp.Diff([]string{"attached"}, h.Sweep(future, time.Minute)); diff != "" {
		t.Fatalf("evicted mismatch (-want +got):\n%s", diff)
	}
	if h.Len() != 0 {
		t.Fatalf("Len = %d, want 0", h.Len())
	}
}

func TestSweepOnceDeletesStaleDevices(t *testing.T) {
	t.Parallel()

	repo := store.NewMemory()
	ctx := context.Background()
	if err := repo.TouchDevice(ctx, "old", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	if err := repo.PutValue(ctx, "old", persist.KeyTranscript, "[]"); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	h := New(testFactory(repo, nil), nil)
	defer h.CloseAll(ctx)
	if _, err := h.Get(ctx, "dev_a"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	var evicted []string
	cfg := SweeperConfig{IdleTTL: time.Minute, DeviceRetention: 24 * time.Hour}
	sweepOnce(ctx, h, repo, cfg, time.Now().Add(time.Hour), func(owner string) { evicted = append(evicted, owner) })

	if diff := cmp.Diff([]string{"dev_a"}, evicted); diff != "" {
		t.Fatalf("evicted mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := repo.GetValue(ctx, "old", persist.KeyTranscript); ok {
		t.Fatal("stale device state survived")
	}
}

func TestStartSweeperStopsWithContext(t *testing.T) {
	t.Parallel()

	h := New(testFactory(store.NewMemory(), nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	evicted := make(chan string, 1)

	if _, err := h.Get(ctx, "dev_a"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	StartSweeper(ctx, h, nil, SweeperConfig{Interval: 10 * time.Millisecond, IdleTTL: -time.Hour}, func(owner string) {
		select {
		case evicted <- owner:
		default:
		}
	})

	select {
	case owner := <-evicted:
		if owner != "dev_a" {
			t.Fatalf("evicted %q", owner)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never evicted the idle session")
	}
	cancel()
}
