package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/meteor/internal/domain"
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // custom endpoint for S3-compatible stores (MinIO, LocalStack)
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Store keeps one object per record under
// <prefix>/<executorID>/<jobID>/<callID>/{init,status,output}.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads AWS configuration and creates the client. Static
// credentials take precedence over the default provider chain.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "meteor.jobs"
	}
	return &S3Store{client: client, bucket: opts.Bucket, prefix: prefix}, nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// isS3Exists reports a conditional write that lost to an existing object.
func isS3Exists(err error) bool {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return false
	}
	code := re.HTTPStatusCode()
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string, rangeHeader *string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) getStatus(ctx context.Context, key string) (*domain.CallStatus, error) {
	data, err := s.get(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	var st domain.CallStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &st, nil
}

func (s *S3Store) PutCallStatus(ctx context.Context, st *domain.CallStatus) error {
	if err := validateStatus(st); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := CallKey(s.prefix, st.ExecutorID, st.JobID, st.CallID, kindOf(st.Type))
	if st.Type != domain.StatusEnd {
		return s.put(ctx, key, data)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isS3Exists(err) {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*domain.CallStatus, error) {
	st, err := s.getStatus(ctx, CallKey(s.prefix, executorID, jobID, callID, kindStatus))
	if !errors.Is(err, ErrNotFound) {
		return st, err
	}
	return s.getStatus(ctx, CallKey(s.prefix, executorID, jobID, callID, kindInit))
}

// GetJobStatus lists the job prefix, then fetches the init records of the
// calls that have not finished to learn their worker and start time.
func (s *S3Store) GetJobStatus(ctx context.Context, executorID, jobID string) (*domain.JobStatus, error) {
	jobPrefix := CallKey(s.prefix, executorID, jobID, "", "") + "/"
	started := make(map[string]bool)
	ends := make(map[string]bool)

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(jobPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, jobPrefix, err)
		}
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), jobPrefix)
			callID, kind, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			switch kind {
			case kindInit:
				started[callID] = true
			case kindStatus:
				ends[callID] = true
			}
		}
	}

	var pending []string
	for id := range started {
		if !ends[id] {
			pending = append(pending, id)
		}
	}
	fetched := make([]*domain.CallStatus, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, id := range pending {
		g.Go(func() error {
			st, err := s.getStatus(gctx, CallKey(s.prefix, executorID, jobID, id, kindInit))
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			fetched[i] = st
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inits := make(map[string]*domain.CallStatus, len(pending))
	for i, id := range pending {
		if fetched[i] != nil {
			inits[id] = fetched[i]
		}
	}
	return buildJobStatus(inits, ends), nil
}

func (s *S3Store) PutCallOutput(ctx context.Context, executorID, jobID, callID string, data []byte) error {
	return s.put(ctx, CallKey(s.prefix, executorID, jobID, callID, kindOutput), data)
}

func (s *S3Store) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	return s.get(ctx, CallKey(s.prefix, executorID, jobID, callID, kindOutput), nil)
}

func (s *S3Store) PutBlob(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, data)
}

// GetBlobRange issues a ranged GET; HTTP byte ranges are inclusive.
func (s *S3Store) GetBlobRange(ctx context.Context, key string, r domain.ByteRange) ([]byte, error) {
	if r.Start < 0 || r.End < r.Start {
		return nil, fmt.Errorf("invalid byte range [%d,%d)", r.Start, r.End)
	}
	if r.Len() == 0 {
		return []byte{}, nil
	}
	data, err := s.get(ctx, key, aws.String(fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != r.Len() {
		return nil, fmt.Errorf("byte range [%d,%d) of %s returned %d bytes", r.Start, r.End, key, len(data))
	}
	return data, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func (s *S3Store) Close() error { return nil }
