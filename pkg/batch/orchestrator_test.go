package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/events"
)

type startRecord struct {
	phone string
	at    time.Time
}

type recorder struct {
	mu     sync.Mutex
	starts []startRecord
	fail   map[string]error
}

func (r *recorder) callFunc(_ context.Context, _ string, t Target) (string, error) {
	r.mu.Lock()
	r.starts = append(r.starts, startRecord{t.Phone, time.Now()})
	err := r.fail[t.Phone]
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "call-" + t.Phone, nil
}

func (r *recorder) smsFunc(_ context.Context, _ string, t Target) (string, error) {
	r.mu.Lock()
	r.starts = append(r.starts, startRecord{t.Phone, time.Now()})
	err := r.fail[t.Phone]
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "SM" + t.Phone, nil
}

func (r *recorder) startTimes() []startRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]startRecord(nil), r.starts...)
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

type countingBus struct {
	mu     sync.Mutex
	counts map[string]int
	last   map[string]map[string]any
}

func newCountingBus() *countingBus {
	return &countingBus{counts: map[string]int{}, last: map[string]map[string]any{}}
}

func (b *countingBus) Emit(name string, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[name]++
	b.last[name] = payload
}

func (b *countingBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name]
}

func targets(phones ...string) []Target {
	out := make([]Target, len(phones))
	for i, p := range phones {
		out[i] = Target{Phone: p}
	}
	return out
}

func waitTerminal(t *testing.T, o *Orchestrator, batchID string) Operation {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		op, ok := o.GetOperation(batchID)
		if !ok {
			t.Fatalf("batch %s disappeared", batchID)
		}
		if op.Completed+op.Failed == op.Total {
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %s never reached a terminal state", batchID)
	return Operation{}
}

func TestChunkedConcurrencyAndDelay(t *testing.T) {
	rec := &recorder{}
	bus := newCountingBus()
	o := NewOrchestrator(Config{InterChunkDelay: time.Second}, rec.callFunc, rec.smsFunc, bus)

	id, err := o.SubmitCalls(targets("+1", "+2", "+3", "+4", "+5"), OperationConfig{MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("SubmitCalls: %v", err)
	}

	op := waitTerminal(t, o, id)
	if op.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", op.Status, StatusCompleted)
	}
	if op.Completed != 5 || op.Failed != 0 {
		t.Fatalf("counters = %d/%d, want 5/0", op.Completed, op.Failed)
	}

	starts := rec.startTimes()
	if len(starts) != 5 {
		t.Fatalf("started %d targets, want 5", len(starts))
	}
	// Chunks of 2: starts 0-1 together, then 2-3 after the delay, then 4.
	gap1 := starts[2].at.Sub(starts[1].at)
	gap2 := starts[4].at.Sub(starts[3].at)
	if gap1 < time.Second {
		t.Errorf("gap before chunk 2 = %v, want >= 1s", gap1)
	}
	if gap2 < time.Second {
		t.Errorf("gap before chunk 3 = %v, want >= 1s", gap2)
	}
	within := starts[1].at.Sub(starts[0].at)
	if within >= time.Second {
		t.Errorf("targets within a chunk started %v apart, want concurrent", within)
	}

	if bus.count(events.BatchCompleted) != 1 {
		t.Fatalf("batch_completed emitted %d times, want 1", bus.count(events.BatchCompleted))
	}
}

func TestCountersNeverExceedTotal(t *testing.T) {
	rec := &recorder{fail: map[string]error{"+2": errors.New("no answer")}}
	bus := newCountingBus()
	o := NewOrchestrator(Config{}, rec.callFunc, rec.smsFunc, bus)

	id, err := o.SubmitCalls(targets("+1", "+2", "+3"), OperationConfig{MaxConcurrent: 3})
	if err != nil {
		t.Fatalf("SubmitCalls: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			op, ok := o.GetOperation(id)
			if !ok {
				return
			}
			if op.Completed+op.Failed > op.Total {
				t.Errorf("invariant broken: %d+%d > %d", op.Completed, op.Failed, op.Total)
				return
			}
			terminal := op.Status == StatusCompleted || op.Status == StatusFailed || op.Status == StatusPartialComplete
			if terminal != (op.Completed+op.Failed == op.Total) {
				t.Errorf("terminal status %s with counters %d+%d/%d", op.Status, op.Completed, op.Failed, op.Total)
				return
			}
			if terminal {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	<-done

	op := waitTerminal(t, o, id)
	if op.Status != StatusPartialComplete {
		t.Fatalf("status = %s, want %s", op.Status, StatusPartialComplete)
	}
	if op.Completed != 2 || op.Failed != 1 {
		t.Fatalf("counters = %d/%d, want 2/1", op.Completed, op.Failed)
	}
}

func TestRetryTargetSemantics(t *testing.T) {
	rec := &recorder{fail: map[string]error{"+2": errors.New("carrier rejected")}}
	bus := newCountingBus()
	o := NewOrchestrator(Config{}, rec.callFunc, rec.smsFunc, bus)

	id, _ := o.SubmitCalls(targets("+1", "+2"), OperationConfig{MaxConcurrent: 2})
	waitTerminal(t, o, id)

	if err := o.RetryTarget(id, "+1"); err == nil {
		t.Fatal("RetryTarget accepted a successful target")
	}
	if err := o.RetryTarget(id, "+9"); !errorsx.HasReason(err, errorsx.ReasonBatchTarget) {
		t.Fatalf("unknown target error reason = %v", errorsx.Reason(err))
	}

	if err := o.RetryTarget(id, "+2"); err != nil {
		t.Fatalf("RetryTarget: %v", err)
	}
	op, _ := o.GetOperation(id)
	var r Result
	for _, res := range op.Results {
		if res.Phone == "+2" {
			r = res
		}
	}
	if r.Status != TargetRetrying {
		t.Fatalf("status after retry = %s, want %s", r.Status, TargetRetrying)
	}
	if r.RetryCount != 1 || r.Error != "" || !r.StartedAt.IsZero() || !r.FinishedAt.IsZero() {
		t.Fatalf("retry did not reset the result: %+v", r)
	}
	if op.Failed != 0 || op.Status != StatusInProgress {
		t.Fatalf("aggregate after retry = %s %d failed, want in_progress 0", op.Status, op.Failed)
	}

	// RetryTarget alone never re-executes; the attempt is explicit.
	before := len(rec.startTimes())
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.startTimes()); got != before {
		t.Fatalf("retry self-scheduled execution: %d starts, had %d", got, before)
	}

	rec.mu.Lock()
	delete(rec.fail, "+2")
	rec.mu.Unlock()
	if err := o.ExecuteRetry(id, "+2"); err != nil {
		t.Fatalf("ExecuteRetry: %v", err)
	}
	op = waitTerminal(t, o, id)
	if op.Status != StatusCompleted || op.Completed != 2 {
		t.Fatalf("after successful retry: %s %d completed, want completed 2", op.Status, op.Completed)
	}
	// Completion already published when the batch first went terminal.
	if bus.count(events.BatchCompleted) != 1 {
		t.Fatalf("batch_completed emitted %d times, want 1", bus.count(events.BatchCompleted))
	}
}

func TestSMSBatchAndValidation(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(Config{}, rec.callFunc, rec.smsFunc, events.NoopBroadcaster{})

	if _, err := o.SubmitSMS(nil, OperationConfig{}); !errorsx.HasReason(err, errorsx.ReasonBatchTarget) {
		t.Fatalf("empty submit error reason = %v", errorsx.Reason(err))
	}
	if _, err := o.SubmitSMS(targets("+1", "+1"), OperationConfig{}); err == nil {
		t.Fatal("duplicate targets accepted")
	}

	id, err := o.SubmitSMS([]Target{{Phone: "+1", Message: "hi"}}, OperationConfig{Message: "default"})
	if err != nil {
		t.Fatalf("SubmitSMS: %v", err)
	}
	op := waitTerminal(t, o, id)
	if op.Type != TypeSMS || op.Results[0].MessageSID != "SM+1" {
		t.Fatalf("sms result = %+v", op.Results[0])
	}
}

func TestCleanupDropsOldTerminalBatches(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(Config{}, rec.callFunc, rec.smsFunc, events.NoopBroadcaster{})

	id, _ := o.SubmitCalls(targets("+1"), OperationConfig{})
	waitTerminal(t, o, id)

	if n := o.Cleanup(time.Hour); n != 0 {
		t.Fatalf("Cleanup removed %d fresh batches", n)
	}
	if n := o.Cleanup(-time.Second); n != 1 {
		t.Fatalf("Cleanup removed %d, want 1", n)
	}
	if _, ok := o.GetOperation(id); ok {
		t.Fatal("batch still present after cleanup")
	}
}
