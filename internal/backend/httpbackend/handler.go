package httpbackend

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/observability"
	"github.com/oriys/meteor/internal/worker"
)

const maxPayloadBytes = 32 << 20

// NewHandler serves a worker agent over HTTP:
//
//	POST /invoke   payload in, {"activation_id": ...} out; 429 when saturated
//	GET  /runtime  runtime metadata
//	GET  /health   liveness
func NewHandler(agent *worker.Agent) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /invoke", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := agent.Submit(payload)
		if err != nil {
			logging.Op().Warn("rejected invocation payload", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if id == "" {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "agent saturated", http.StatusTooManyRequests)
			return
		}
		w.Header().Set(observability.ActivationHeader, id)
		writeJSON(w, http.StatusAccepted, invokeResponse{ActivationID: id})
	})

	mux.HandleFunc("GET /runtime", func(w http.ResponseWriter, r *http.Request) {
		memory, _ := strconv.Atoi(r.URL.Query().Get("memory"))
		writeJSON(w, http.StatusOK, agent.Meta(r.URL.Query().Get("name"), memory))
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return observability.HTTPMiddleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
