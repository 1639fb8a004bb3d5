// Package jobs implements spec §4.8's JobRunner: two named Redis-backed
// queues with per-queue concurrency, exponential-backoff retry, progress
// events, a terminal audit entry, and graceful drain on shutdown.
//
// Grounded on manifold's internal/orchestrator/kafka.go (worker-pool shape:
// a bounded jobs channel, N goroutines pulling from it, per-message retry
// loop with exponential backoff, DLQ publish after exhausted retries,
// context-driven graceful drain) retargeted from Kafka's topic/partition
// model onto Redis lists, using internal/skills/redis_cache.go's
// redis.UniversalClient construction pattern for the broker connection.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ResourceProcessQueue and DocumentProcessQueue are spec §4.8's two named
// queues, each with its own concurrency (resources: 1, documents: 2).
const (
	ResourceProcessQueue = "resource-process"
	DocumentProcessQueue = "document-process"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 5 * time.Second
	retainCompleted     = 100
	retainFailed        = 50
	shutdownForceExitAt = 10 * time.Second
	popTimeout          = 2 * time.Second
)

// ErrNoJob signals the poll timeout elapsed with no job to hand off; it is
// not an error condition, just an empty poll.
var ErrNoJob = errors.New("jobs: no job available")

// Job mirrors spec §4.8's job shape: {id, name, data, attempts, progress}.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	Attempts   int             `json:"attempts"`
	Progress   int             `json:"progress"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Handler processes one job's payload, reporting progress at the marked
// percentages corresponding to its pipeline's state-machine transitions.
// A returned error triggers JobRunner's retry policy.
type Handler func(ctx context.Context, job Job, progress func(pct int)) error

// AuditSink records a terminal success/failure to an audit log (spec §4.8).
type AuditSink interface {
	WriteJobResult(ctx context.Context, queue string, job Job, status string, durationMS int, errMsg string)
}

// broker is the narrow slice of Redis operations the runner actually
// issues. Kept small and unexported so tests can fake it directly instead
// of standing up the entire redis.UniversalClient surface.
type broker interface {
	push(ctx context.Context, key, value string) error
	popForProcessing(ctx context.Context, src, dst string, timeout time.Duration) (string, error)
	remove(ctx context.Context, key, value string) error
	trim(ctx context.Context, key string, stop int64) error
	publish(ctx context.Context, channel, message string) error
	close() error
}

type redisBroker struct {
	client redis.UniversalClient
}

func (b redisBroker) push(ctx context.Context, key, value string) error {
	return b.client.LPush(ctx, key, value).Err()
}

func (b redisBroker) popForProcessing(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	res, err := b.client.BRPopLPush(ctx, src, dst, timeout).Result()
	if err == redis.Nil {
		return "", ErrNoJob
	}
	return res, err
}

func (b redisBroker) remove(ctx context.Context, key, value string) error {
	return b.client.LRem(ctx, key, 1, value).Err()
}

func (b redisBroker) trim(ctx context.Context, key string, stop int64) error {
	return b.client.LTrim(ctx, key, 0, stop).Err()
}

func (b redisBroker) publish(ctx context.Context, channel, message string) error {
	return b.client.Publish(ctx, channel, message).Err()
}

func (b redisBroker) close() error { return b.client.Close() }

type queueConfig struct {
	name        string
	concurrency int
	handler     Handler
}

// Runner is spec §4.8's JobRunner: it owns the Redis connection and the
// registered per-queue handlers/concurrency.
type Runner struct {
	client broker
	queues map[string]*queueConfig
	audit  AuditSink
	logger *zerolog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Runner against a Redis broker. If the broker is
// unreachable at construction, ok is false and the caller's enqueue path
// must surface spec §4.8's "async processing required" error rather than
// fall back to synchronous processing.
func New(addr string, audit AuditSink, logger *zerolog.Logger) (*Runner, bool) {
	opts := &redis.Options{Addr: addr}
	if parsed, err := redis.ParseURL(addr); err == nil {
		opts = parsed
	}
	client := redis.NewClient(opts)
	r := &Runner{client: redisBroker{client}, queues: map[string]*queueConfig{}, audit: audit, logger: logger}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return r, false
	}
	return r, true
}

// Register binds a handler and concurrency to a named queue.
func (r *Runner) Register(queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.queues[queue] = &queueConfig{name: queue, concurrency: concurrency, handler: handler}
}

func listKey(queue string) string       { return "jobs:" + queue + ":pending" }
func processingKey(queue string) string { return "jobs:" + queue + ":processing" }
func completedKey(queue string) string  { return "jobs:" + queue + ":completed" }
func failedKey(queue string) string     { return "jobs:" + queue + ":failed" }
func progressChannel(queue string) string { return "jobs:" + queue + ":progress" }

// Enqueue pushes a job onto the named queue. Returns ("", false) when the
// broker is unavailable (spec §4.8: enqueue must not fall back to
// synchronous processing).
func (r *Runner) Enqueue(ctx context.Context, queue, name string, data any) (string, bool) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	job := Job{ID: uuid.NewString(), Name: name, Data: payload, EnqueuedAt: time.Now()}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", false
	}
	if err := r.client.push(ctx, listKey(queue), string(raw)); err != nil {
		return "", false
	}
	return job.ID, true
}

// Start launches every registered queue's worker pool. Returns immediately;
// workers run until ctx is canceled, then drain in-flight jobs (spec §4.8
// lifecycle: "stop accepting work, drain in-flight jobs, close queues and
// broker connection, then exit").
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, qc := range r.queues {
		for i := 0; i < qc.concurrency; i++ {
			r.wg.Add(1)
			go r.worker(runCtx, qc)
		}
	}
}

// Shutdown stops accepting new work and waits for in-flight jobs to drain,
// forcing exit after shutdownForceExitAt if they don't (spec §4.8).
func (r *Runner) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownForceExitAt):
	}
	_ = r.client.close()
}

func (r *Runner) worker(ctx context.Context, qc *queueConfig) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := r.client.popForProcessing(ctx, listKey(qc.name), processingKey(qc.name), popTimeout)
		if err != nil {
			if errors.Is(err, ErrNoJob) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			r.client.remove(ctx, processingKey(qc.name), raw)
			continue
		}

		r.runWithRetry(ctx, qc, job)
		r.client.remove(ctx, processingKey(qc.name), raw)
	}
}

func (r *Runner) runWithRetry(ctx context.Context, qc *queueConfig, job Job) {
	start := time.Now()
	progress := func(pct int) {
		job.Progress = pct
		if raw, err := json.Marshal(job); err == nil {
			r.client.publish(ctx, progressChannel(qc.name), string(raw))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= defaultMaxAttempts; attempt++ {
		job.Attempts = attempt
		err := qc.handler(ctx, job, progress)
		if err == nil {
			r.recordTerminal(ctx, qc.name, job, "completed", time.Since(start), "")
			return
		}
		lastErr = err
		if attempt == defaultMaxAttempts || ctx.Err() != nil {
			break
		}
		backoff := defaultBackoffBase * time.Duration(1<<uint(attempt-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
	}

	r.recordTerminal(ctx, qc.name, job, "failed", time.Since(start), lastErr.Error())
}

func (r *Runner) recordTerminal(ctx context.Context, queue string, job Job, status string, dur time.Duration, errMsg string) {
	raw, _ := json.Marshal(job)
	if status == "completed" {
		r.client.push(ctx, completedKey(queue), string(raw))
		r.client.trim(ctx, completedKey(queue), retainCompleted-1)
	} else {
		r.client.push(ctx, failedKey(queue), string(raw))
		r.client.trim(ctx, failedKey(queue), retainFailed-1)
	}
	if r.audit != nil {
		r.audit.WriteJobResult(ctx, queue, job, status, int(dur.Milliseconds()), errMsg)
	}
	if r.logger != nil {
		ev := r.logger.Info()
		if status == "failed" {
			ev = r.logger.Error()
		}
		ev.Str("queue", queue).Str("job_id", job.ID).Str("status", status).Dur("duration", dur).Msg("job_terminal")
	}
}
