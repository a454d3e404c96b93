package health

import (
	"context"
	"sync"
	"testing"

	"github.com/unijobs/platform/internal/gateway"
)

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

func TestRegistryAggregation(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(_ context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "credentials rejected"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing probe should make the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "credentials rejected" {
		t.Fatalf("expected detail 'credentials rejected', got %q", statuses[1].Detail)
	}
}

type stubFetcher struct {
	err error
}

func (s *stubFetcher) FetchPayment(ctx context.Context, id string) (*gateway.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Payment{ID: id}, nil
}

func TestGatewayChecker(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantHealthy bool
	}{
		{"not found means token accepted", gateway.ErrNotFound, true},
		{"no error", nil, true},
		{"unauthorized", gateway.ErrUnauthorized, false},
		{"unreachable", gateway.ErrUnreachable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := GatewayChecker(&stubFetcher{err: tt.err})(context.Background())
			if st.Healthy != tt.wantHealthy {
				t.Fatalf("healthy = %v, want %v (detail %q)", st.Healthy, tt.wantHealthy, st.Detail)
			}
		})
	}
}

func TestStaticChecker(t *testing.T) {
	st := StaticChecker("store", true, "in-memory")(context.Background())
	if !st.Healthy || st.Name != "store" || st.Detail != "in-memory" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(_ context.Context) Status {
				return Status{Name: "probe", Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
