// Package artifact exports committed cache artifacts to S3 so a CDN
// origin can serve them without touching the server. Export is strictly
// best-effort: a failed upload never affects the cache or a write.
package artifact

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/xerrors"
)

type ExporterOptions struct {
	Logger log.Logger

	// S3 location for artifacts: s3://{bucket}/{prefix}/{variant}/{id}.html
	S3Bucket string
	S3Prefix string

	// QueueSize bounds pending exports; commits past a full queue are
	// dropped and counted, never blocked on.
	QueueSize int

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type job struct {
	key        string
	payload    []byte
	generation int64
}

type Exporter struct {
	opts     ExporterOptions
	s3Client *s3.Client
	logger   log.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	closed  bool
}

func NewExporter(ctx context.Context, opts ExporterOptions) (*Exporter, error) {
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	e := &Exporter{
		opts:     opts,
		s3Client: s3.NewFromConfig(awsCfg),
		logger:   opts.Logger,
		jobs:     make(chan job, opts.QueueSize),
	}
	e.wg.Add(1)
	go e.run(ctx)
	return e, nil
}

// CommitHook adapts the exporter to the cache's commit callback. Enqueue
// never blocks; the commit path must not wait on S3.
func (e *Exporter) CommitHook() func(key string, payload []byte, generation int64) {
	return func(key string, payload []byte, generation int64) {
		// The closed check and the send stay under one lock so Close can
		// never close the channel between them. The send is non-blocking,
		// so holding the mutex across it is safe.
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		var droppedTotal int64
		select {
		case e.jobs <- job{key: key, payload: payload, generation: generation}:
		default:
			e.dropped++
			droppedTotal = e.dropped
		}
		e.mu.Unlock()

		if droppedTotal > 0 {
			e.logger.Warn(context.Background(), "artifact export queue full, dropping",
				"key", key, "dropped_total", droppedTotal)
		}
	}
}

// Dropped reports how many exports were discarded on a full queue.
func (e *Exporter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close stops accepting work and waits for in-flight uploads.
func (e *Exporter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.jobs)
	e.wg.Wait()
}

func (e *Exporter) run(ctx context.Context) {
	defer e.wg.Done()
	for j := range e.jobs {
		if err := e.export(ctx, j); err != nil {
			e.logger.Warn(ctx, "artifact export failed",
				"key", j.key, "generation", j.generation, "error", err)
		}
	}
}

func (e *Exporter) export(ctx context.Context, j job) error {
	objKey := e.objectKey(j.key)
	_, err := e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.opts.S3Bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(j.payload),
		ContentType: aws.String("text/html; charset=utf-8"),
		Metadata: map[string]string{
			"generation": strconv.FormatInt(j.generation, 10),
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", e.opts.S3Bucket, objKey)
	}
	e.logger.Debug(ctx, "artifact exported",
		"key", j.key, "object", objKey, "generation", j.generation, "bytes", len(j.payload))
	return nil
}

// objectKey maps a cache key like "page:uuid" onto "{prefix}/page/uuid.html".
func (e *Exporter) objectKey(cacheKey string) string {
	path := strings.Replace(cacheKey, ":", "/", 1) + ".html"
	if e.opts.S3Prefix != "" {
		return strings.TrimSuffix(e.opts.S3Prefix, "/") + "/" + path
	}
	return path
}
