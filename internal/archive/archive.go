// Package archive exports the audit trail of finished plans to S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
)

// Config selects the bucket. An empty Endpoint disables archiving.
type Config struct {
	Endpoint  string `json:"endpoint" env:"ENDPOINT"`
	AccessKey string `json:"access_key" env:"ACCESS_KEY"`
	SecretKey string `json:"secret_key" env:"SECRET_KEY"`
	Region    string `json:"region" env:"REGION"`
	UseSSL    bool   `json:"use_ssl" env:"USE_SSL"`
	Bucket    string `json:"bucket" env:"BUCKET"`
	Prefix    string `json:"prefix" env:"PREFIX"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// Validate checks a configuration that is Enabled.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("archive endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("archive endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "":
		return errors.New("archive credentials are required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("archive bucket is required")
	}
	return nil
}

// ObjectStore is the subset of *minio.Client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Source reads the records of a plan.
type Source interface {
	GetPlan(ctx context.Context, id string) (*store.Plan, error)
	ListSteps(ctx context.Context, planID string) ([]*store.Step, error)
	GetLog(ctx context.Context, planID, stepID string) ([]*store.LogEntry, error)
}

// Bundle is the exported document.
type Bundle struct {
	Plan       *store.Plan       `json:"plan"`
	Steps      []*store.Step     `json:"steps"`
	Log        []*store.LogEntry `json:"log"`
	ExportedAt time.Time         `json:"exported_at"`
}

// Archiver writes one JSON bundle per finished plan.
type Archiver struct {
	objects ObjectStore
	source  Source
	bucket  string
	region  string
	prefix  string
	logger  *slog.Logger
	now     func() time.Time
}

// NewMinIOClient builds a client for cfg.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	})
}

// New creates an Archiver writing to cfg.Bucket through objects.
func New(objects ObjectStore, source Source, cfg Config, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		objects: objects,
		source:  source,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.objects.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.objects.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create archive bucket: %w", err)
	}
	return nil
}

// Key returns the object key of a plan's bundle.
func (a *Archiver) Key(p *store.Plan) string {
	created := p.CreatedAt.UTC()
	return path.Join(a.prefix, "plans", created.Format("2006/01/02"), p.ID+".json")
}

// Export uploads the plan's bundle and returns its object key.
func (a *Archiver) Export(ctx context.Context, planID string) (string, error) {
	plan, err := a.source.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if !plan.Status.Terminal() {
		return "", fmt.Errorf("plan %s is %s; only finished plans are archived", planID, plan.Status)
	}
	steps, err := a.source.ListSteps(ctx, planID)
	if err != nil {
		return "", err
	}
	entries, err := a.source.GetLog(ctx, planID, "")
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(Bundle{Plan: plan, Steps: steps, Log: entries, ExportedAt: a.now()})
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	key := a.Key(plan)
	_, err = a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"plan-status": string(plan.Status),
			"plan-name":   plan.Name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload bundle for plan %s: %w", planID, err)
	}
	a.logger.Info("plan archived", slog.String("plan_id", planID), slog.String("key", key), slog.Int("bytes", len(data)))
	return key, nil
}

// Run exports every plan that finishes until ctx is done.
func (a *Archiver) Run(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.PlanDone() {
				continue
			}
			if _, err := a.Export(ctx, ev.PlanID); err != nil {
				a.logger.Error("plan archive failed", slog.String("plan_id", ev.PlanID), slog.String("error", err.Error()))
			}
		}
	}
}
