// tasks.go implements the minimal scheduler spec.md's task binding names:
// one ticker per action.Task-bound action, dispatched through the same
// pipeline every other transport uses. The background-queue library itself
// (retries, fan-out, durable delivery) is explicitly out of core scope per
// spec.md §10 Non-goals; only the "runs every frequencyMs" interface is
// implemented here, grounded on internal/realtime.Bus's heartbeatLoop
// ticker-plus-cancel shape.
package builtins

import (
	"context"
	"sync"
	"time"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/registry"
)

// TaskRunner dispatches every action.Task-bound action on its own ticker. It
// only ever runs in ModeServer; a CLI invocation is one-shot by nature.
type TaskRunner struct {
	actions    *action.Registry
	dispatcher *dispatch.Dispatcher
	log        *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTaskRunner(actions *action.Registry, dispatcher *dispatch.Dispatcher, log *logger.Logger) *TaskRunner {
	return &TaskRunner{actions: actions, dispatcher: dispatcher, log: log}
}

func (r *TaskRunner) Name() string       { return "taskrunner" }
func (r *TaskRunner) LoadPriority() int  { return 70 }
func (r *TaskRunner) StartPriority() int { return 70 }
func (r *TaskRunner) StopPriority() int  { return 10 }
func (r *TaskRunner) RunModes() []registry.RunMode {
	return []registry.RunMode{registry.ModeServer}
}

func (r *TaskRunner) Initialize(ctx context.Context) (any, error) { return r, nil }

// Start launches one ticker goroutine per task-bound action currently
// registered. Actions registered afterward never get picked up; per spec
// §4.1, actions are registered at initialize and immutable thereafter, so
// this is not a gap.
func (r *TaskRunner) Start(ctx context.Context, mode registry.RunMode) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for _, def := range r.actions.All() {
		if def.Task == nil || def.Task.FrequencyMS <= 0 {
			continue
		}
		r.wg.Add(1)
		go r.runLoop(runCtx, def)
	}
	return nil
}

func (r *TaskRunner) runLoop(ctx context.Context, def *action.Definition) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(def.Task.FrequencyMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, def)
		}
	}
}

func (r *TaskRunner) runOnce(ctx context.Context, def *action.Definition) {
	c := conn.New(conn.TypeCLI, "scheduler:"+def.Task.Queue)
	raw := action.NewRawParams()
	if _, err := r.dispatcher.Dispatch(ctx, c, def.Name, raw, "TASK", def.Task.Queue); err != nil {
		typed, ok := apperrors.As(err)
		if ok {
			r.log.Error("builtins: scheduled task failed", "action", def.Name, "queue", def.Task.Queue, "type", string(typed.TypeOf), "error", typed.Message)
			return
		}
		r.log.Error("builtins: scheduled task failed", "action", def.Name, "queue", def.Task.Queue, "error", err.Error())
	}
}

// Stop cancels every ticker goroutine and waits for them to return.
func (r *TaskRunner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}
