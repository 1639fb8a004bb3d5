package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker is an in-memory stand-in for the narrow broker interface,
// backed by plain Go slices/maps instead of a live Redis connection.
type fakeBroker struct {
	mu        sync.Mutex
	lists     map[string][]string
	published []string
	closed    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{lists: map[string][]string{}}
}

func (f *fakeBroker) push(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

func (f *fakeBroker) popForProcessing(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[src]
	if len(items) == 0 {
		return "", ErrNoJob
	}
	last := items[len(items)-1]
	f.lists[src] = items[:len(items)-1]
	f.lists[dst] = append(f.lists[dst], last)
	return last, nil
}

func (f *fakeBroker) remove(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	for i, v := range items {
		if v == value {
			f.lists[key] = append(items[:i], items[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeBroker) trim(ctx context.Context, key string, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	if int64(len(items)) > stop+1 {
		f.lists[key] = items[:stop+1]
	}
	return nil
}

func (f *fakeBroker) publish(ctx context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+":"+message)
	return nil
}

func (f *fakeBroker) close() error {
	f.closed = true
	return nil
}

func TestListKeys_AreNamespacedPerQueue(t *testing.T) {
	assert.Equal(t, "jobs:resource-process:pending", listKey(ResourceProcessQueue))
	assert.Equal(t, "jobs:document-process:processing", processingKey(DocumentProcessQueue))
	assert.Equal(t, "jobs:resource-process:completed", completedKey(ResourceProcessQueue))
	assert.Equal(t, "jobs:resource-process:failed", failedKey(ResourceProcessQueue))
}

func TestRegister_DefaultsNonPositiveConcurrencyToOne(t *testing.T) {
	r := &Runner{queues: map[string]*queueConfig{}}
	noop := func(ctx context.Context, job Job, progress func(int)) error { return nil }

	r.Register("q", 0, noop)
	assert.Equal(t, 1, r.queues["q"].concurrency)

	r.Register("q2", -3, noop)
	assert.Equal(t, 1, r.queues["q2"].concurrency)

	r.Register("q3", 4, noop)
	assert.Equal(t, 4, r.queues["q3"].concurrency)
}

type recordingAudit struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAudit) WriteJobResult(ctx context.Context, queue string, job Job, status string, durationMS int, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, queue+":"+status)
}

func TestRunWithRetry_SucceedsOnFirstAttemptRecordsCompleted(t *testing.T) {
	audit := &recordingAudit{}
	fake := newFakeBroker()
	r := &Runner{queues: map[string]*queueConfig{}, audit: audit, client: fake}
	qc := &queueConfig{name: "q", concurrency: 1, handler: func(ctx context.Context, job Job, progress func(int)) error {
		progress(100)
		return nil
	}}

	r.runWithRetry(context.Background(), qc, Job{ID: "j1", Name: "n"})

	require.Len(t, audit.calls, 1)
	assert.Equal(t, "q:completed", audit.calls[0])
	assert.Len(t, fake.published, 1)
	assert.Len(t, fake.lists[completedKey("q")], 1)
}

var errHandlerFailed = errors.New("handler failed")

func TestRunWithRetry_ExhaustsAttemptsThenRecordsFailed(t *testing.T) {
	audit := &recordingAudit{}
	r := &Runner{queues: map[string]*queueConfig{}, audit: audit, client: newFakeBroker()}
	attempts := 0
	qc := &queueConfig{name: "q", concurrency: 1, handler: func(ctx context.Context, job Job, progress func(int)) error {
		attempts++
		return errHandlerFailed
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// cancel immediately after the first attempt to skip the real
	// exponential backoff sleeps (5s/10s) in this unit test.
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	r.runWithRetry(ctx, qc, Job{ID: "j2", Name: "n"})

	assert.GreaterOrEqual(t, attempts, 1)
	require.Len(t, audit.calls, 1)
	assert.Equal(t, "q:failed", audit.calls[0])
}

func TestEnqueue_MarshalsJobPayload(t *testing.T) {
	fake := newFakeBroker()
	r := &Runner{queues: map[string]*queueConfig{}, client: fake}

	id, ok := r.Enqueue(context.Background(), ResourceProcessQueue, "process", map[string]string{"resourceId": "r1"})
	require.True(t, ok)
	assert.NotEmpty(t, id)

	raw := fake.lists[listKey(ResourceProcessQueue)]
	require.Len(t, raw, 1)
	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &job))
	assert.Equal(t, "process", job.Name)
	assert.Equal(t, id, job.ID)
}

func TestWorker_ProcessesEnqueuedJobThenDrainsOnCancel(t *testing.T) {
	audit := &recordingAudit{}
	fake := newFakeBroker()
	r := &Runner{queues: map[string]*queueConfig{}, audit: audit, client: fake}

	processed := make(chan struct{}, 1)
	r.Register("q", 1, func(ctx context.Context, job Job, progress func(int)) error {
		processed <- struct{}{}
		return nil
	})

	_, ok := r.Enqueue(context.Background(), "q", "do-thing", map[string]string{"k": "v"})
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed in time")
	}

	cancel()
	r.wg.Wait()

	require.Len(t, audit.calls, 1)
	assert.Equal(t, "q:completed", audit.calls[0])
}
