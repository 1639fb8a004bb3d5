// Package audit is the append-only AuditLog writer every spec component
// (DocumentProcessor, ResourceProcessor, JobRunner, QueryPlanner) reports
// its stage transitions and terminal outcomes through.
//
// Grounded on manifold's internal/rag/service/service.go, which logs a
// structured event at each pipeline stage; here that per-stage logging
// convention is generalized into a durable, queryable log instead of a
// log line, backed by internal/store/relational's audit_log table.
package audit

import (
	"context"

	"github.com/google/uuid"

	"stjgraph/internal/jobs"
	"stjgraph/internal/store/relational"
)

// Log writes AuditLog rows for a pipeline or job's observable lifecycle.
type Log struct {
	store *relational.Store
}

// New wraps a relational store as an audit sink.
func New(store *relational.Store) *Log {
	return &Log{store: store}
}

// Record appends one audit entry. Counters is optional (e.g. chunkCount,
// entityCount) and may be nil.
func (l *Log) Record(ctx context.Context, action, status string, counters map[string]int, durationMS int, errMsg string) {
	_ = l.store.WriteAudit(ctx, relational.AuditEntry{
		ID:           uuid.NewString(),
		Action:       action,
		Status:       status,
		Counters:     counters,
		DurationMS:   durationMS,
		ErrorMessage: errMsg,
	})
}

// queueAction maps a job queue to the ACTIONS-enum member (spec §3) that
// identifies it in the audit trail. The job runner only ever drives the two
// named queues spec §4.8 defines.
func queueAction(queue string) string {
	switch queue {
	case jobs.ResourceProcessQueue:
		return "download_resource"
	case jobs.DocumentProcessQueue:
		return "process_document"
	default:
		return queue
	}
}

// WriteJobResult satisfies jobs.AuditSink: a terminal job outcome becomes
// one audit_log row with the queue's ACTIONS-enum member as its action.
func (l *Log) WriteJobResult(ctx context.Context, queue string, job jobs.Job, status string, durationMS int, errMsg string) {
	l.Record(ctx, queueAction(queue), status, nil, durationMS, errMsg)
}
