package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestS3StoreContract(t *testing.T) {
	bucket := os.Getenv("METEOR_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("METEOR_TEST_S3_BUCKET not set, skipping")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := NewS3Store(ctx, S3Options{
		Bucket:       bucket,
		Prefix:       "meteor.test",
		Region:       os.Getenv("METEOR_TEST_S3_REGION"),
		Endpoint:     os.Getenv("METEOR_TEST_S3_ENDPOINT"),
		AccessKey:    os.Getenv("METEOR_TEST_S3_ACCESS_KEY"),
		SecretKey:    os.Getenv("METEOR_TEST_S3_SECRET_KEY"),
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Skipf("S3 bucket not reachable, skipping: %v", err)
	}
	runStoreContract(t, s)
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Options{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
