// Package host runs swaps requested by the ledger and delivers their results
// back to it, standing in for the hosting compute environment.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/ledger"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/swap"
	"near-swap-worker/pkg/types"
)

const (
	// DefaultExecutionTimeout bounds one swap run
	DefaultExecutionTimeout = 5 * time.Minute
	// DefaultCallbackTimeout bounds the result callback, which gets its own
	// deadline once the run is over
	DefaultCallbackTimeout = 2 * time.Minute
)

// Runner executes one swap
type Runner interface {
	Run(ctx context.Context, req types.SwapRequest, creds nep413.Credentials) *swap.Result
}

// Callback receives the terminal result of a swap
type Callback interface {
	OnSwapResult(ctx context.Context, creds nep413.Credentials, id string, out types.WorkerOutput) (*ledger.Resolution, error)
}

// Execution is the record of one finished execution
type Execution struct {
	CorrelationID string
	Output        types.WorkerOutput
	Resolution    *ledger.Resolution
	Err           error
	Started       time.Time
	Finished      time.Time
}

// Local runs every requested swap in its own goroutine and calls back when
// it finishes. The credentials are those the worker was started with and
// live only as long as this host.
type Local struct {
	runner   Runner
	callback Callback
	creds    nep413.Credentials
	timeout  time.Duration

	callbackTimeout time.Duration

	mu         sync.Mutex
	running    map[string]struct{}
	executions []Execution
	stopped    bool
	wg         sync.WaitGroup
}

// NewLocal creates a local host
func NewLocal(runner Runner, creds nep413.Credentials) *Local {
	return &Local{
		runner:          runner,
		creds:           creds,
		timeout:         DefaultExecutionTimeout,
		callbackTimeout: DefaultCallbackTimeout,
		running:         make(map[string]struct{}),
	}
}

// SetCallback sets where results are delivered
func (l *Local) SetCallback(cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = cb
}

// SetTimeout bounds each execution
func (l *Local) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	l.timeout = timeout
}

// SetCallbackTimeout bounds each result callback
func (l *Local) SetCallbackTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	l.callbackTimeout = timeout
}

// RequestExecution accepts a swap and runs it in the background. The run
// outlives ctx cancellation but keeps its values.
func (l *Local) RequestExecution(ctx context.Context, req ledger.ExecutionRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return fmt.Errorf("host is stopped")
	}
	if l.callback == nil {
		return fmt.Errorf("host has no result callback")
	}
	if _, exists := l.running[req.CorrelationID]; exists {
		return fmt.Errorf("swap '%s' is already being executed", req.CorrelationID)
	}

	l.running[req.CorrelationID] = struct{}{}
	l.wg.Add(1)
	go l.execute(context.WithoutCancel(ctx), l.callback, req)
	return nil
}

func (l *Local) execute(ctx context.Context, cb Callback, req ledger.ExecutionRequest) {
	defer l.wg.Done()

	entry := log.WithFields(log.Fields{"component": "host", "correlation_id": req.CorrelationID})
	entry.Info("execution started")

	runCtx, cancelRun := context.WithTimeout(ctx, l.timeout)
	exec := Execution{CorrelationID: req.CorrelationID, Started: time.Now()}
	result := l.runner.Run(runCtx, req.Input.Request(), l.creds)
	cancelRun()
	exec.Output = result.Output()

	// A run that used up its budget must still leave time for the payout or refund
	cbCtx, cancelCallback := context.WithTimeout(ctx, l.callbackTimeout)
	exec.Resolution, exec.Err = cb.OnSwapResult(cbCtx, l.creds, req.CorrelationID, exec.Output)
	cancelCallback()
	exec.Finished = time.Now()
	if exec.Err != nil {
		entry.WithError(exec.Err).Error("result callback failed")
	} else {
		entry.WithField("action", exec.Resolution.Action).Info("execution finished")
	}

	l.mu.Lock()
	delete(l.running, req.CorrelationID)
	l.executions = append(l.executions, exec)
	l.mu.Unlock()
}

// Wait blocks until every accepted execution has finished
func (l *Local) Wait() {
	l.wg.Wait()
}

// Stop refuses further requests; executions already running complete
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

// Running returns the number of executions in flight
func (l *Local) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

// Executions returns finished executions in completion order
func (l *Local) Executions() []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Execution, len(l.executions))
	copy(out, l.executions)
	return out
}
