// Package batch fans out many call or SMS starts under a concurrency
// ceiling, with per-target status tracking and caller-driven retry.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/events"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
)

type Type string

const (
	TypeCall Type = "call"
	TypeSMS  Type = "sms"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusPartialComplete Status = "partial_complete"
)

type TargetStatus string

const (
	TargetQueued     TargetStatus = "queued"
	TargetInProgress TargetStatus = "in_progress"
	TargetRetrying   TargetStatus = "retrying"
	TargetSuccess    TargetStatus = "success"
	TargetFailed     TargetStatus = "failed"
)

// Target is one unit of work: a phone number plus optional per-target
// overrides that fall back to the batch defaults.
type Target struct {
	Phone   string
	Prompt  string
	Context string
	Message string
}

// Result tracks one target through its lifecycle. Retries overwrite in
// place and bump RetryCount.
type Result struct {
	Phone      string
	Status     TargetStatus
	CallID     string
	MessageSID string
	RetryCount int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type OperationConfig struct {
	Provider      string
	Prompt        string
	Context       string
	Message       string
	MaxConcurrent int
}

// Operation is one batch request. Counters obey completed+failed <= total
// at every observation point; status is terminal exactly when equality
// holds.
type Operation struct {
	ID        string
	Type      Type
	Status    Status
	Total     int
	Completed int
	Failed    int
	Results   []Result
	Config    OperationConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CallFunc starts one outbound call for a target and returns its call ID.
type CallFunc func(ctx context.Context, batchID string, target Target) (string, error)

// SMSFunc sends one message for a target and returns the message SID.
type SMSFunc func(ctx context.Context, batchID string, target Target) (string, error)

type Config struct {
	InterChunkDelay time.Duration
}

const minInterChunkDelay = time.Second

// Orchestrator drains all submitted batches through a single loop;
// submissions while the loop runs append to its queue.
type Orchestrator struct {
	cfg       Config
	call      CallFunc
	sms       SMSFunc
	broadcast events.Broadcaster
	logger    *slog.Logger

	mu       sync.Mutex
	ops      map[string]*operationState
	queue    []string
	draining bool
}

type operationState struct {
	op         Operation
	byPhone    map[string]int
	targetList []Target
	completed  bool // completion event already published
}

func NewOrchestrator(cfg Config, call CallFunc, sms SMSFunc, broadcast events.Broadcaster) *Orchestrator {
	if cfg.InterChunkDelay < minInterChunkDelay {
		cfg.InterChunkDelay = minInterChunkDelay
	}
	return &Orchestrator{
		cfg:       cfg,
		call:      call,
		sms:       sms,
		broadcast: broadcast,
		logger:    logging.NewComponentLogger(slog.Default(), "batch"),
		ops:       make(map[string]*operationState),
	}
}

// SubmitCalls queues one call per target and returns the batch ID.
func (o *Orchestrator) SubmitCalls(targets []Target, cfg OperationConfig) (string, error) {
	return o.submit(TypeCall, targets, cfg)
}

// SubmitSMS queues one message per target and returns the batch ID.
func (o *Orchestrator) SubmitSMS(targets []Target, cfg OperationConfig) (string, error) {
	return o.submit(TypeSMS, targets, cfg)
}

func (o *Orchestrator) submit(typ Type, targets []Target, cfg OperationConfig) (string, error) {
	if len(targets) == 0 {
		return "", errorsx.Wrap(fmt.Errorf("empty target list"), errorsx.ReasonBatchTarget)
	}
	for _, t := range targets {
		if t.Phone == "" {
			return "", errorsx.Wrap(fmt.Errorf("target with empty phone number"), errorsx.ReasonBatchTarget)
		}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	now := time.Now()
	st := &operationState{
		op: Operation{
			ID:        uuid.NewString(),
			Type:      typ,
			Status:    StatusPending,
			Total:     len(targets),
			Results:   make([]Result, 0, len(targets)),
			Config:    cfg,
			CreatedAt: now,
			UpdatedAt: now,
		},
		byPhone: make(map[string]int, len(targets)),
	}
	for _, t := range targets {
		if _, dup := st.byPhone[t.Phone]; dup {
			return "", errorsx.Wrap(fmt.Errorf("duplicate target %s", t.Phone), errorsx.ReasonBatchTarget)
		}
		st.byPhone[t.Phone] = len(st.op.Results)
		st.op.Results = append(st.op.Results, Result{Phone: t.Phone, Status: TargetQueued})
	}

	st.targetList = append([]Target(nil), targets...)

	o.mu.Lock()
	o.ops[st.op.ID] = st
	o.queue = append(o.queue, st.op.ID)
	start := !o.draining
	if start {
		o.draining = true
	}
	o.mu.Unlock()

	o.logger.Info("batch_submitted", "batch_id", st.op.ID, "type", string(typ), "targets", len(targets))
	if start {
		go o.drainLoop()
	}
	return st.op.ID, nil
}

func (o *Orchestrator) drainLoop() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.draining = false
			o.mu.Unlock()
			return
		}
		batchID := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.runBatch(batchID)
	}
}

func (o *Orchestrator) runBatch(batchID string) {
	o.mu.Lock()
	st, ok := o.ops[batchID]
	if !ok {
		o.mu.Unlock()
		return
	}
	st.op.Status = StatusInProgress
	st.op.UpdatedAt = time.Now()
	typ := st.op.Type
	limit := st.op.Config.MaxConcurrent
	targets := append([]Target(nil), st.targetList...)
	o.mu.Unlock()

	for start := 0; start < len(targets); start += limit {
		end := start + limit
		if end > len(targets) {
			end = len(targets)
		}
		var wg sync.WaitGroup
		for _, t := range targets[start:end] {
			wg.Add(1)
			go func(t Target) {
				defer wg.Done()
				o.executeTarget(batchID, typ, t)
			}(t)
		}
		wg.Wait()

		if end < len(targets) {
			time.Sleep(o.cfg.InterChunkDelay)
		}
	}
}

func (o *Orchestrator) executeTarget(batchID string, typ Type, target Target) {
	o.transition(batchID, target.Phone, func(r *Result) {
		r.Status = TargetInProgress
		r.StartedAt = time.Now()
	})

	ctx := context.Background()
	var id string
	var err error
	switch typ {
	case TypeSMS:
		id, err = o.sms(ctx, batchID, target)
	default:
		id, err = o.call(ctx, batchID, target)
	}

	o.transition(batchID, target.Phone, func(r *Result) {
		r.FinishedAt = time.Now()
		if err != nil {
			r.Status = TargetFailed
			r.Error = err.Error()
			return
		}
		r.Status = TargetSuccess
		if typ == TypeSMS {
			r.MessageSID = id
		} else {
			r.CallID = id
		}
	})
	if err != nil {
		o.logger.Warn("batch_target_failed", "batch_id", batchID, "phone", target.Phone, "error", err.Error())
	}
}

// transition applies one result mutation, recomputes the aggregate
// counters and status, and publishes progress. The counters never exceed
// the total because each result contributes at most one unit.
func (o *Orchestrator) transition(batchID, phone string, mutate func(*Result)) {
	o.mu.Lock()
	st, ok := o.ops[batchID]
	if !ok {
		o.mu.Unlock()
		return
	}
	idx, ok := st.byPhone[phone]
	if !ok {
		o.mu.Unlock()
		return
	}
	mutate(&st.op.Results[idx])

	completed, failed := 0, 0
	for _, r := range st.op.Results {
		switch r.Status {
		case TargetSuccess:
			completed++
		case TargetFailed:
			failed++
		}
	}
	st.op.Completed = completed
	st.op.Failed = failed
	st.op.UpdatedAt = time.Now()

	terminal := completed+failed == st.op.Total
	if terminal {
		switch {
		case failed == 0:
			st.op.Status = StatusCompleted
		case completed == 0:
			st.op.Status = StatusFailed
		default:
			st.op.Status = StatusPartialComplete
		}
	} else if st.op.Status != StatusPending {
		st.op.Status = StatusInProgress
	}

	progress := map[string]any{
		"batch_id":  batchID,
		"phone":     phone,
		"status":    string(st.op.Results[idx].Status),
		"completed": completed,
		"failed":    failed,
		"total":     st.op.Total,
	}
	emitCompletion := terminal && !st.completed
	if emitCompletion {
		st.completed = true
	}
	final := string(st.op.Status)
	o.mu.Unlock()

	o.emit(events.BatchProgress, progress)
	if emitCompletion {
		o.emit(events.BatchCompleted, map[string]any{
			"batch_id":  batchID,
			"status":    final,
			"completed": completed,
			"failed":    failed,
			"total":     st.op.Total,
		})
		o.logger.Info("batch_completed", "batch_id", batchID, "status", final)
	}
}

// RetryTarget resets a failed target so it can run again. It does not
// re-schedule execution by itself; the caller invokes ExecuteRetry when
// it wants the attempt made.
func (o *Orchestrator) RetryTarget(batchID, phone string) error {
	o.mu.Lock()
	st, ok := o.ops[batchID]
	if !ok {
		o.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("unknown batch %s", batchID), errorsx.ReasonBatchTarget)
	}
	idx, ok := st.byPhone[phone]
	if !ok {
		o.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("unknown target %s in batch %s", phone, batchID), errorsx.ReasonBatchTarget)
	}
	if st.op.Results[idx].Status != TargetFailed {
		status := st.op.Results[idx].Status
		o.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("target %s is %s, only failed targets retry", phone, status), errorsx.ReasonBatchTarget)
	}
	o.mu.Unlock()

	o.transition(batchID, phone, func(r *Result) {
		r.Status = TargetRetrying
		r.RetryCount++
		r.Error = ""
		r.StartedAt = time.Time{}
		r.FinishedAt = time.Time{}
	})
	return nil
}

// ExecuteRetry runs one retrying target immediately, outside the chunked
// drain loop.
func (o *Orchestrator) ExecuteRetry(batchID, phone string) error {
	o.mu.Lock()
	st, ok := o.ops[batchID]
	if !ok {
		o.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("unknown batch %s", batchID), errorsx.ReasonBatchTarget)
	}
	idx, ok := st.byPhone[phone]
	if !ok || st.op.Results[idx].Status != TargetRetrying {
		o.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("target %s in batch %s is not retrying", phone, batchID), errorsx.ReasonBatchTarget)
	}
	typ := st.op.Type
	var target Target
	for _, t := range st.targetList {
		if t.Phone == phone {
			target = t
			break
		}
	}
	o.mu.Unlock()

	o.executeTarget(batchID, typ, target)
	return nil
}

// GetOperation returns a deep copy so callers can inspect without racing
// the drain loop.
func (o *Orchestrator) GetOperation(batchID string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.ops[batchID]
	if !ok {
		return Operation{}, false
	}
	cp := st.op
	cp.Results = append([]Result(nil), st.op.Results...)
	return cp, true
}

// Cleanup drops terminal operations not updated within the window and
// returns how many were removed.
func (o *Orchestrator) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, st := range o.ops {
		terminal := st.op.Status == StatusCompleted ||
			st.op.Status == StatusFailed ||
			st.op.Status == StatusPartialComplete
		if terminal && st.op.UpdatedAt.Before(cutoff) {
			delete(o.ops, id)
			removed++
		}
	}
	return removed
}

func (o *Orchestrator) emit(name string, payload map[string]any) {
	if o.broadcast != nil {
		o.broadcast.Emit(name, payload)
	}
}
