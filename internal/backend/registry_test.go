package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
)

type stubBackend struct {
	name      string
	meta      *domain.RuntimeMeta
	metaCalls int
	closed    bool
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Invoke(context.Context, string, int, []byte) (string, error) {
	return "act", nil
}

func (s *stubBackend) RuntimeKey(runtimeName string, memoryMB int) string {
	return runtimeName
}

func (s *stubBackend) RuntimeMeta(context.Context, string, int) (*domain.RuntimeMeta, error) {
	s.metaCalls++
	if s.meta == nil {
		return nil, errors.New("unreachable")
	}
	return s.meta, nil
}

func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func TestRegistryBuildOnePerRegion(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("stub", "test backend", func(region string, _ config.BackendConfig) (ComputeBackend, error) {
		calls++
		return &stubBackend{name: "stub@" + region}, nil
	})

	cfg := config.BackendConfig{Type: "stub", Regions: []string{"eu", "us"}}
	bs, err := r.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(bs) != 2 || bs[0].Name() != "stub@eu" || bs[1].Name() != "stub@us" {
		t.Fatalf("unexpected instances: %v", bs)
	}
	if _, err := r.Build(cfg); err != nil || calls != 2 {
		t.Fatalf("second Build should reuse instances: calls=%d err=%v", calls, err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bs[0].(*stubBackend).closed || !bs[1].(*stubBackend).closed {
		t.Fatal("Close should close every instance")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build(config.BackendConfig{Type: "lambda"}); err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("b", "", nil)
	r.Register("a", "", nil)
	infos := r.List()
	if len(infos) != 2 || infos[0].Name != "a" || infos[1].Name != "b" {
		t.Fatalf("unexpected list: %+v", infos)
	}
}

func TestRegistryCachesRuntimeMeta(t *testing.T) {
	r := NewRegistry()
	b := &stubBackend{name: "s", meta: &domain.RuntimeMeta{ProtocolVersion: "meteor/0"}}
	for i := 0; i < 3; i++ {
		meta, err := r.RuntimeMeta(context.Background(), b, "default", 256)
		if err != nil || meta.ProtocolVersion != "meteor/0" {
			t.Fatalf("RuntimeMeta = %+v, %v", meta, err)
		}
	}
	if b.metaCalls != 1 {
		t.Fatalf("expected 1 fetch, got %d", b.metaCalls)
	}

	failing := &stubBackend{name: "f"}
	if _, err := r.RuntimeMeta(context.Background(), failing, "default", 256); err == nil {
		t.Fatal("expected fetch error")
	}
}
