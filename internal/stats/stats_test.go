package stats

import (
	"sync"
	"testing"
)

func TestLogRecorderTotals(t *testing.T) {
	r := NewLogRecorder()
	r.Record(Event{Kind: KindDelivered, Source: SourceLive, Origin: "+1", Capability: "chat-bot", Attempts: 1})
	r.Record(Event{Kind: KindDelivered, Source: SourceBacklog})
	r.Record(Event{Kind: KindAbandoned, Source: SourceBacklog, Error: "retry cap reached"})

	totals := r.Totals()
	if totals[KindDelivered] != 2 || totals[KindAbandoned] != 1 || totals[KindFailed] != 0 {
		t.Errorf("unexpected totals: %v", totals)
	}
}

func TestMemoryRecorderConcurrent(t *testing.T) {
	r := NewMemoryRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(Event{Kind: KindDeferred})
		}()
	}
	wg.Wait()
	if r.Count(KindDeferred) != 20 {
		t.Errorf("expected 20 deferred events, got %d", r.Count(KindDeferred))
	}
	if len(r.Events()) != 20 {
		t.Errorf("expected 20 events, got %d", len(r.Events()))
	}
}
