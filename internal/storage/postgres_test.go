package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("METEOR_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("METEOR_TEST_PG_DSN not set, skipping")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Skipf("PostgreSQL not available, skipping: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}
