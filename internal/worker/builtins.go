package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

func registerBuiltins(r *Registry) {
	r.Register("echo", echoHandler)
	r.Register("upper", upperHandler)
	r.Register("sleep", sleepHandler)
	r.Register("fail", failHandler)
	r.Register("wordcount", wordCountHandler)
}

func echoHandler(_ context.Context, arg []byte) ([]byte, error) {
	return arg, nil
}

func upperHandler(_ context.Context, arg []byte) ([]byte, error) {
	return bytes.ToUpper(arg), nil
}

// sleepHandler sleeps for the duration in arg ("250ms", "2s") and echoes it.
func sleepHandler(ctx context.Context, arg []byte) ([]byte, error) {
	d, err := time.ParseDuration(strings.TrimSpace(string(arg)))
	if err != nil {
		return nil, &HandlerError{Type: "ValueError", Message: err.Error()}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return arg, nil
	case <-ctx.Done():
		return nil, &HandlerError{Type: "TimeoutError", Message: "sleep interrupted: " + ctx.Err().Error()}
	}
}

func failHandler(_ context.Context, arg []byte) ([]byte, error) {
	msg := string(arg)
	if msg == "" {
		msg = "failed on purpose"
	}
	return nil, &HandlerError{Type: "RuntimeError", Message: msg}
}

func wordCountHandler(_ context.Context, arg []byte) ([]byte, error) {
	counts := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(string(arg))) {
		counts[w]++
	}
	return json.Marshal(counts)
}

// HandlerError is a TypedError with an explicit exception type.
type HandlerError struct {
	Type    string
	Message string
}

func (e *HandlerError) Error() string     { return e.Type + ": " + e.Message }
func (e *HandlerError) ErrorType() string { return e.Type }
