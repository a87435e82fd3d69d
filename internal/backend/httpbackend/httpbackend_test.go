package httpbackend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/storage"
	"github.com/oriys/meteor/internal/worker"
)

func encodedPayload(t *testing.T, job *domain.Job, chunk int) []byte {
	t.Helper()
	data, err := domain.NewCallPayload(job, job.Chunks()[chunk]).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestClientAgainstAgentHandler(t *testing.T) {
	store := storage.NewMemoryStore()
	agent := worker.NewAgent(worker.Deps{Store: store, Handlers: worker.NewBuiltinRegistry()}, 8)
	defer agent.Close()

	srv := httptest.NewServer(NewHandler(agent))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	defer c.Close()

	job := &domain.Job{ExecutorID: "e", JobID: "M000", TotalCalls: 1, FuncKey: "echo"}
	id, err := c.Invoke(context.Background(), "default", 256, encodedPayload(t, job, 0))
	if err != nil || id == "" {
		t.Fatalf("Invoke: id=%q err=%v", id, err)
	}
	agent.Wait()
	st, err := store.GetCallStatus(context.Background(), "e", "M000", "00000")
	if err != nil || st.ActivationID != id {
		t.Fatalf("status = %+v, %v", st, err)
	}

	meta, err := c.RuntimeMeta(context.Background(), "default", 256)
	if err != nil {
		t.Fatalf("RuntimeMeta: %v", err)
	}
	if meta.ProtocolVersion != domain.ProtocolVersion || meta.RuntimeMemory != 256 {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantID    string
		wantError bool
	}{
		{"accepted", http.StatusAccepted, `{"activation_id":"a-1"}`, "a-1", false},
		{"too many requests", http.StatusTooManyRequests, "", "", false},
		{"unavailable", http.StatusServiceUnavailable, "", "", false},
		{"server error", http.StatusInternalServerError, "boom", "", true},
		{"bad request", http.StatusBadRequest, "bad payload", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get(headerRuntime) != "py" || r.Header.Get(headerMemory) != "512" {
					t.Errorf("missing runtime headers: %v", r.Header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			id, err := New(srv.URL, time.Second).Invoke(context.Background(), "py", 512, []byte(`{}`))
			if (err != nil) != tt.wantError {
				t.Fatalf("err = %v, wantError %v", err, tt.wantError)
			}
			if id != tt.wantID {
				t.Fatalf("id = %q, want %q", id, tt.wantID)
			}
		})
	}
}

func TestHandlerThrottlesWhenSaturated(t *testing.T) {
	reg := worker.NewRegistry()
	release := make(chan struct{})
	reg.Register("block", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-release
		return nil, nil
	})
	agent := worker.NewAgent(worker.Deps{Store: storage.NewMemoryStore(), Handlers: reg}, 1)
	defer agent.Close()
	srv := httptest.NewServer(NewHandler(agent))
	defer srv.Close()

	job := &domain.Job{ExecutorID: "e", JobID: "M000", TotalCalls: 2, FuncKey: "block"}
	c := New(srv.URL, time.Second)
	if id, err := c.Invoke(context.Background(), "d", 1, encodedPayload(t, job, 0)); err != nil || id == "" {
		t.Fatalf("first Invoke: id=%q err=%v", id, err)
	}
	if id, err := c.Invoke(context.Background(), "d", 1, encodedPayload(t, job, 1)); err != nil || id != "" {
		t.Fatalf("second Invoke should be throttled: id=%q err=%v", id, err)
	}
	close(release)
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	agent := worker.NewAgent(worker.Deps{Store: storage.NewMemoryStore(), Handlers: worker.NewRegistry()}, 1)
	defer agent.Close()
	srv := httptest.NewServer(NewHandler(agent))
	defer srv.Close()

	if _, err := New(srv.URL, time.Second).Invoke(context.Background(), "d", 1, []byte("nope")); err == nil {
		t.Fatal("expected transport error for malformed payload")
	}
}

func TestFactoryRequiresEndpoint(t *testing.T) {
	if _, err := Factory()("", config.BackendConfig{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}
