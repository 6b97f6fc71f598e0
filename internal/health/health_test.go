package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePinger struct {
	err   error
	delay time.Duration
}

func (f fakePinger) PingContext(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("alerts", func(_ context.Context) Status {
		return Status{Name: "alerts", Healthy: false, Detail: "circuit open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" {
		t.Fatalf("expected registered name to fill in, got %q", statuses[0].Name)
	}
	if statuses[1].Detail != "circuit open" {
		t.Fatalf("expected detail 'circuit open', got %q", statuses[1].Detail)
	}
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("database", fakePinger{}, time.Second)(context.Background())
	if !ok.Healthy || ok.Name != "database" {
		t.Fatalf("expected healthy database, got %+v", ok)
	}

	down := PingChecker("database", fakePinger{err: errors.New("connection refused")}, time.Second)(context.Background())
	if down.Healthy || down.Detail != "connection refused" {
		t.Fatalf("expected unhealthy with detail, got %+v", down)
	}
}

func TestPingChecker_Timeout(t *testing.T) {
	st := PingChecker("database", fakePinger{delay: time.Second}, 20*time.Millisecond)(context.Background())
	if st.Healthy {
		t.Fatal("slow ping should be reported unhealthy")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
