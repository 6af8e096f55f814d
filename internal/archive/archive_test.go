package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/pkg/schema"
)

type object struct {
	data []byte
	opts minio.PutObjectOptions
}

type fakeObjects struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string]object
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string]object{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = object{data: buf.Bytes(), opts: opts}
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (f *fakeObjects) get(key string) (object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	return o, ok
}

var created = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func finishedPlan(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreatePlan(ctx, &store.Plan{
		ID: id, Name: "nightly", Status: schema.PlanPending, CreatedAt: created, UpdatedAt: created,
	}, []*store.Step{{ID: "a", PlanID: id, AgentName: "echo", State: schema.StepPending, MaxAttempts: 1}}))
	require.NoError(t, st.UpdatePlanStatus(ctx, &store.LogEntry{
		PlanID: id, FromState: string(schema.PlanPending), ToState: string(schema.PlanRunning), Timestamp: created,
	}, store.PlanUpdate{}))
	require.NoError(t, st.UpdatePlanStatus(ctx, &store.LogEntry{
		PlanID: id, FromState: string(schema.PlanRunning), ToState: string(schema.PlanCompleted), Timestamp: created,
	}, store.PlanUpdate{}))
}

func testConfig() Config {
	return Config{Endpoint: "minio:9000", AccessKey: "k", SecretKey: "s", Bucket: "audit", Prefix: "/orchestra/"}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())
	assert.True(t, testConfig().Enabled())
	assert.False(t, Config{}.Enabled())

	c := testConfig()
	c.Endpoint = "https://minio:9000"
	assert.ErrorContains(t, c.Validate(), "scheme")

	c = testConfig()
	c.SecretKey = ""
	assert.ErrorContains(t, c.Validate(), "credentials")

	c = testConfig()
	c.Bucket = " "
	assert.ErrorContains(t, c.Validate(), "bucket")
}

func TestEnsureBucket(t *testing.T) {
	objects := newFakeObjects()
	a := New(objects, store.NewMemoryStore(), testConfig(), nil)

	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.True(t, objects.buckets["audit"])
	require.NoError(t, a.EnsureBucket(context.Background()))
}

func TestExport_WritesBundle(t *testing.T) {
	st := store.NewMemoryStore()
	finishedPlan(t, st, "p1")
	objects := newFakeObjects()
	a := New(objects, st, testConfig(), nil)

	key, err := a.Export(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "orchestra/plans/2026/03/14/p1.json", key)

	obj, ok := objects.get("audit/" + key)
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.opts.ContentType)
	assert.Equal(t, "COMPLETED", obj.opts.UserMetadata["plan-status"])

	var b Bundle
	require.NoError(t, json.Unmarshal(obj.data, &b))
	assert.Equal(t, "p1", b.Plan.ID)
	require.Len(t, b.Steps, 1)
	assert.Equal(t, "a", b.Steps[0].ID)
	require.Len(t, b.Log, 3)
	assert.Equal(t, "COMPLETED", b.Log[2].ToState)
	assert.False(t, b.ExportedAt.IsZero())
}

func TestExport_RejectsUnfinishedPlan(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.CreatePlan(context.Background(), &store.Plan{
		ID: "p1", Status: schema.PlanPending, CreatedAt: created,
	}, nil))
	a := New(newFakeObjects(), st, testConfig(), nil)

	_, err := a.Export(context.Background(), "p1")
	assert.ErrorContains(t, err, "only finished plans")

	_, err = a.Export(context.Background(), "missing")
	var oe *schema.OrchestraError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeNotFound, oe.Code)
}

func TestExport_UploadFailure(t *testing.T) {
	st := store.NewMemoryStore()
	finishedPlan(t, st, "p1")
	objects := newFakeObjects()
	objects.putErr = errors.New("bucket gone")
	a := New(objects, st, testConfig(), nil)

	_, err := a.Export(context.Background(), "p1")
	assert.ErrorContains(t, err, "bucket gone")
}

func TestRun_ExportsFinishedPlans(t *testing.T) {
	st := store.NewMemoryStore()
	finishedPlan(t, st, "p1")
	objects := newFakeObjects()
	a := New(objects, st, testConfig(), nil)
	hub := streaming.NewMemoryHub(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.PublishEntry(store.LogEntry{PlanID: "p1", StepID: "a", FromState: "RUNNING", ToState: "COMPLETED"})
	hub.PublishEntry(store.LogEntry{PlanID: "p1", FromState: "RUNNING", ToState: "COMPLETED"})

	require.Eventually(t, func() bool {
		_, ok := objects.get("audit/orchestra/plans/2026/03/14/p1.json")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
