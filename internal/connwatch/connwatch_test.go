package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/colloquy/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", got.MaxRetries)
	}
	if got.InitialDelay != 2*time.Second || got.PollInterval != 60*time.Second || got.ProbeTimeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWatcher_BackoffThenReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts, readyCalls atomic.Int32
	probe := func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name:    "ollama",
		Probe:   probe,
		Backoff: testBackoff(),
		OnReady: func() { readyCalls.Add(1) },
	})

	eventually(t, w.IsReady)
	eventually(t, func() bool { return readyCalls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := readyCalls.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
	if w.LastError() != nil {
		t.Errorf("LastError = %v", w.LastError())
	}
}

func TestWatcher_TransitionsPublishEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	var failing atomic.Bool
	var downCalls atomic.Int32
	m := NewManager(quietLogger(), bus)
	w := m.Watch(ctx, WatcherConfig{
		Name: "search",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("rate limited")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnDown:  func(error) { downCalls.Add(1) },
	})

	eventually(t, w.IsReady)
	failing.Store(true)
	eventually(t, func() bool { return !w.IsReady() })
	eventually(t, func() bool { return downCalls.Load() >= 1 })

	var kinds []string
	for len(kinds) < 2 {
		select {
		case e := <-ch:
			if e.Source != events.SourceHealth || e.Data["service"] != "search" {
				t.Errorf("unexpected event %+v", e)
			}
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("got events %v, want up then down", kinds)
		}
	}
	if kinds[0] != events.KindServiceUp || kinds[1] != events.KindServiceDown {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestWatcher_ExhaustsRetriesThenRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	failing.Store(true)
	bcfg := testBackoff()
	bcfg.MaxRetries = 2

	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "tracing",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("down")
			}
			return nil
		},
		Backoff: bcfg,
	})

	eventually(t, func() bool { return w.LastError() != nil })
	if w.IsReady() {
		t.Fatal("ready while failing")
	}
	failing.Store(false)
	eventually(t, w.IsReady)
}

func TestWatcher_CheckOnDemand(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bcfg := testBackoff()
	bcfg.PollInterval = time.Hour
	var failing atomic.Bool
	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "database",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("disk I/O error")
			}
			return nil
		},
		Backoff: bcfg,
	})
	eventually(t, w.IsReady)

	failing.Store(true)
	st := w.Check(ctx)
	if st.Ready || st.LastError != "disk I/O error" || st.Name != "database" {
		t.Errorf("Check = %+v", st)
	}
}

func TestWatcher_OnDemandNeverPolls(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes atomic.Int32
	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "search",
		Probe: func(context.Context) error {
			probes.Add(1)
			return nil
		},
		Backoff:  testBackoff(),
		OnDemand: true,
	})

	time.Sleep(50 * time.Millisecond)
	if n := probes.Load(); n != 0 {
		t.Fatalf("background probes = %d, want 0", n)
	}
	if w.IsReady() {
		t.Error("ready before any check")
	}

	if st := w.Check(ctx); !st.Ready {
		t.Errorf("Check = %+v", st)
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("probes after Check = %d, want 1", n)
	}

	cancel()
	w.Wait()
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond
	bcfg.MaxRetries = 1

	m := NewManager(quietLogger(), nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: bcfg,
	})

	eventually(t, func() bool { return errors.Is(w.LastError(), context.DeadlineExceeded) })
	if w.IsReady() {
		t.Error("ready although every probe timed out")
	}
}

func TestWatcher_StopAndCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(quietLogger(), nil)
	cancelled := m.Watch(ctx, WatcherConfig{
		Name:    "a",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	stopped := m.Watch(context.Background(), WatcherConfig{
		Name:    "b",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	cancel()
	done := make(chan struct{})
	go func() {
		cancelled.Wait()
		stopped.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchers did not stop")
	}
}

func TestManager_StatusAndLookup(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger(), nil)
	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	m.Watch(ctx, WatcherConfig{Name: "ollama", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "search", Probe: func(context.Context) error { return errors.New("down") }, Backoff: bcfg})

	eventually(t, func() bool {
		st := m.Status()
		return st["ollama"].Ready && st["search"].LastError == "down"
	})

	if names := m.Names(); len(names) != 2 || names[0] != "ollama" || names[1] != "search" {
		t.Errorf("Names = %v", names)
	}
	if _, ok := m.Watcher("missing"); ok {
		t.Error("Watcher(missing) reported ok")
	}
	m.Stop()
}

func TestManager_WatchPanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger(), nil)
	for _, cfg := range []WatcherConfig{
		{Probe: func(context.Context) error { return nil }},
		{Name: "x"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%+v) did not panic", cfg.Name)
				}
			}()
			m.Watch(context.Background(), cfg)
		}()
	}
}
