package obs

import "testing"

func TestMockMetrics_RecordsCountsAndHists(t *testing.T) {
	m := NewMockMetrics()
	m.IncCounter("embedding_batch_jobs_total", map[string]string{"status": "ok"})
	m.IncCounter("embedding_batch_jobs_total", map[string]string{"status": "ok"})
	m.ObserveHistogram("embedding_batch_request_ms", 12, map[string]string{"stage": "embed"})
	m.ObserveHistogram("embedding_batch_request_ms", 34, map[string]string{"stage": "embed"})

	if m.Counters["embedding_batch_jobs_total"] != 2 {
		t.Fatalf("expected 2 jobs, got %d", m.Counters["embedding_batch_jobs_total"])
	}
	if len(m.Hists["embedding_batch_request_ms"]) != 2 {
		t.Fatalf("expected 2 histogram records, got %d", len(m.Hists["embedding_batch_request_ms"]))
	}
}

func TestNoopMetrics_DiscardsEverything(t *testing.T) {
	var m NoopMetrics
	m.IncCounter("anything", nil)
	m.ObserveHistogram("anything", 1, nil)
}

func TestOtelMetrics_NilReceiverIsSafe(t *testing.T) {
	var o *OtelMetrics
	o.IncCounter("anything", nil)
	o.ObserveHistogram("anything", 1, nil)
}

func TestOtelMetrics_CachesInstrumentsAcrossCalls(t *testing.T) {
	o := NewOtelMetrics()
	o.IncCounter("reused_counter", map[string]string{"a": "1"})
	o.IncCounter("reused_counter", map[string]string{"a": "2"})

	if _, ok := o.getCounter("reused_counter"); !ok {
		t.Fatal("expected counter to be cached")
	}
	if len(o.counters) != 1 {
		t.Fatalf("expected exactly one cached instrument, got %d", len(o.counters))
	}
}
