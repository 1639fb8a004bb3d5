package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"stjgraph/internal/jobs"
)

func TestLog_SatisfiesJobsAuditSink(t *testing.T) {
	var _ jobs.AuditSink = (*Log)(nil)
	assert.True(t, true)
}

func TestQueueAction_MapsKnownQueuesToActionsEnum(t *testing.T) {
	assert.Equal(t, "download_resource", queueAction(jobs.ResourceProcessQueue))
	assert.Equal(t, "process_document", queueAction(jobs.DocumentProcessQueue))
}
