package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/scriptagent/agent/process"
	"github.com/guseggert/scriptagent/script"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrClosed         = errors.New("execution registry is shut down")
	ErrEmptyExecuteID = errors.New("execute id is required")
)

const DefaultWatcherSize = 256

type execution struct {
	id       string
	scriptID string

	mut       sync.Mutex
	state     State
	proc      *process.Process
	watchers  map[string]*relayWatcher
	startTime time.Time
	// done is closed once the execution has been removed from the registry.
	done chan struct{}
}

// Registry maps execute IDs to running executions. It is safe for concurrent use.
type Registry struct {
	log           *zap.SugaredLogger
	runner        *process.Runner
	watcherBuffer int
	registerer    prometheus.Registerer
	metrics       *metrics

	// ctx bounds sends to watchers and process spawns; it is canceled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mut        sync.Mutex
	closed     bool
	executions map[string]*execution
	// watching is the reverse index from watcher ID to the execute IDs it is attached to.
	watching map[string]map[string]struct{}
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithWatcherBuffer sets how many messages a watcher may lag behind before it is evicted.
func WithWatcherBuffer(n int) Option {
	return func(r *Registry) {
		r.watcherBuffer = n
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) {
		r.registerer = reg
	}
}

func NewRegistry(runner *process.Runner, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		log:           zap.NewNop().Sugar(),
		runner:        runner,
		watcherBuffer: DefaultWatcherSize,
		ctx:           ctx,
		cancel:        cancel,
		executions:    map[string]*execution{},
		watching:      map[string]map[string]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.watcherBuffer <= 0 {
		r.watcherBuffer = DefaultWatcherSize
	}
	r.metrics = newMetrics(r.registerer)
	return r
}

// StartOrAttach attaches w to the running execution for executeID, or spawns the template's script if there
// is none. A start that races with a stop for the same ID waits for the stop to finish and then starts fresh.
// If the process cannot be spawned, w is sent a failed ExitEvent and an error wrapping process.ErrSpawn is returned.
func (r *Registry) StartOrAttach(ctx context.Context, tmpl *script.Template, executeID, args string, w Watcher) error {
	if executeID == "" {
		return ErrEmptyExecuteID
	}
	for {
		r.mut.Lock()
		if r.closed {
			r.mut.Unlock()
			return ErrClosed
		}
		e, ok := r.executions[executeID]
		if !ok {
			e = &execution{
				id:       executeID,
				scriptID: tmpl.ID,
				watchers: map[string]*relayWatcher{},
				done:     make(chan struct{}),
			}
			r.executions[executeID] = e
		}
		r.mut.Unlock()

		e.mut.Lock()
		switch e.state {
		case StatePending:
			err := r.spawn(e, tmpl, args, w)
			e.mut.Unlock()
			if err != nil && errors.Is(err, process.ErrSpawn) {
				ev := ExitEvent{
					WatcherID: w.ID(),
					ExecuteID: executeID,
					ScriptID:  tmpl.ID,
					State:     StateFailed.String(),
					ExitCode:  -1,
					Code:      500,
					Msg:       err.Error(),
				}
				if sendErr := w.Send(ctx, ev.String()); sendErr != nil {
					r.log.Debugw("error sending spawn failure", "Watcher", w.ID(), "Error", sendErr)
				}
			}
			return err
		case StateRunning:
			if r.addWatcher(e, w) {
				e.watchers[w.ID()].enqueue(fmt.Sprintf("attached to running execution %s", executeID))
				r.log.Debugw("watcher attached", "ExecuteID", executeID, "Watcher", w.ID())
			}
			e.mut.Unlock()
			return nil
		case StateStopping:
			done := e.done
			e.mut.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			// terminal executions are already out of the map, look again
			e.mut.Unlock()
		}
	}
}

// spawn starts the process for a pending execution. e.mut must be held.
func (r *Registry) spawn(e *execution, tmpl *script.Template, args string, w Watcher) error {
	r.mut.Lock()
	closed := r.closed
	r.mut.Unlock()
	if closed {
		e.state = StateFailed
		r.evict(e)
		return ErrClosed
	}

	proc, err := r.runner.Spawn(r.ctx, process.Request{
		Body: tmpl.Body,
		Args: args,
		Env: []string{
			"SCRIPT_EXECUTE_ID=" + e.id,
			"SCRIPT_TEMPLATE_ID=" + tmpl.ID,
		},
	})
	if err != nil {
		r.log.Warnw("failed to spawn script", "ExecuteID", e.id, "ScriptID", tmpl.ID, "Error", err)
		r.metrics.spawnFailures.Inc()
		e.state = StateFailed
		r.evict(e)
		return err
	}

	r.metrics.spawned.Inc()
	r.metrics.running.Inc()
	e.proc = proc
	e.state = StateRunning
	e.startTime = time.Now()
	r.addWatcher(e, w)
	r.log.Infow("execution started", "ExecuteID", e.id, "ScriptID", tmpl.ID, "PID", proc.PID())

	r.wg.Add(1)
	go r.relay(e, proc)
	return nil
}

// relay copies process output to the watchers and finalizes the execution once the process is done.
func (r *Registry) relay(e *execution, proc *process.Process) {
	defer r.wg.Done()
	for line := range proc.Lines() {
		e.mut.Lock()
		r.broadcast(e, line)
		e.mut.Unlock()
	}
	<-proc.Done()
	r.finish(e, proc.Result())
}

func (r *Registry) finish(e *execution, res process.Result) {
	e.mut.Lock()
	defer e.mut.Unlock()

	e.state = StateCompleted
	msg := "execution completed"
	if res.Terminated {
		e.state = StateStopped
		msg = "execution stopped"
	}
	if res.Err != nil {
		msg = res.Err.Error()
	}
	ev := ExitEvent{
		ExecuteID: e.id,
		ScriptID:  e.scriptID,
		State:     e.state.String(),
		ExitCode:  res.ExitCode,
		Code:      200,
		Msg:       msg,
	}

	r.metrics.running.Dec()
	r.metrics.duration.WithLabelValues(e.state.String()).Observe(time.Since(e.startTime).Seconds())
	r.log.Infow("execution finished", "ExecuteID", e.id, "State", e.state, "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)

	// out of the registry before anyone hears about it, so a watcher reacting to the event can start fresh
	r.evict(e)
	watchers := e.watchers
	e.watchers = nil
	for id, rw := range watchers {
		r.unindex(id, e.id)
		r.metrics.watchers.Dec()
		ev.WatcherID = id
		if rw.enqueue(ev.String()) {
			rw.finish()
			continue
		}
		rw.detach()
		r.metrics.overflows.Inc()
		go rw.w.Evict("output buffer overflow")
	}
}

// evict removes a terminal execution from the registry. e.mut must be held.
func (r *Registry) evict(e *execution) {
	r.mut.Lock()
	if r.executions[e.id] == e {
		delete(r.executions, e.id)
	}
	r.mut.Unlock()
	close(e.done)
}

// addWatcher attaches w to e, returning false if it was already attached. e.mut must be held.
func (r *Registry) addWatcher(e *execution, w Watcher) bool {
	id := w.ID()
	if _, ok := e.watchers[id]; ok {
		return false
	}
	rw := newRelayWatcher(w, r.watcherBuffer)
	e.watchers[id] = rw

	r.mut.Lock()
	ids, ok := r.watching[id]
	if !ok {
		ids = map[string]struct{}{}
		r.watching[id] = ids
	}
	ids[e.id] = struct{}{}
	r.mut.Unlock()

	r.metrics.watchers.Inc()
	r.wg.Add(1)
	go r.pump(e.id, rw)
	return true
}

// removeWatcher detaches a watcher from e. e.mut must be held.
func (r *Registry) removeWatcher(e *execution, id string) {
	rw, ok := e.watchers[id]
	if !ok {
		return
	}
	delete(e.watchers, id)
	rw.detach()
	r.unindex(id, e.id)
	r.metrics.watchers.Dec()
}

func (r *Registry) unindex(watcherID, executeID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	ids := r.watching[watcherID]
	delete(ids, executeID)
	if len(ids) == 0 {
		delete(r.watching, watcherID)
	}
}

// Cancel stops the running execution for executeID and waits until it has been removed from the registry.
// Watchers are told through the usual ExitEvent. Canceling an unknown or finished execution is a no-op.
func (r *Registry) Cancel(ctx context.Context, executeID string) error {
	r.mut.Lock()
	e, ok := r.executions[executeID]
	r.mut.Unlock()
	if !ok {
		return nil
	}

	e.mut.Lock()
	switch e.state {
	case StateRunning:
		e.state = StateStopping
		r.log.Infow("stopping execution", "ExecuteID", executeID, "PID", e.proc.PID())
		e.proc.Terminate()
	case StateStopping:
	default:
		// pending means a start holds no process yet; it is ordered after this cancel
		e.mut.Unlock()
		return nil
	}
	done := e.done
	e.mut.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopWatcher detaches the watcher from every execution it is attached to. The executions keep running.
// It is idempotent.
func (r *Registry) StopWatcher(watcherID string) {
	r.mut.Lock()
	ids := r.watching[watcherID]
	delete(r.watching, watcherID)
	r.mut.Unlock()

	for executeID := range ids {
		r.mut.Lock()
		e, ok := r.executions[executeID]
		r.mut.Unlock()
		if !ok {
			continue
		}
		e.mut.Lock()
		r.removeWatcher(e, watcherID)
		e.mut.Unlock()
	}
	if len(ids) > 0 {
		r.log.Debugw("watcher detached", "Watcher", watcherID, "Executions", len(ids))
	}
}

// Get returns a snapshot of the execution for executeID, if it is in the registry.
func (r *Registry) Get(executeID string) (Info, bool) {
	r.mut.Lock()
	e, ok := r.executions[executeID]
	r.mut.Unlock()
	if !ok {
		return Info{}, false
	}

	e.mut.Lock()
	defer e.mut.Unlock()
	info := Info{
		ExecuteID: e.id,
		ScriptID:  e.scriptID,
		State:     e.state,
	}
	if e.proc != nil {
		info.PID = e.proc.PID()
	}
	for id := range e.watchers {
		info.Watchers = append(info.Watchers, id)
	}
	sort.Strings(info.Watchers)
	return info, true
}

// Watching returns the execute IDs the watcher is attached to.
func (r *Registry) Watching(watcherID string) []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	var ids []string
	for id := range r.watching[watcherID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every running execution and waits for their output to be delivered.
// No new executions are accepted afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mut.Lock()
	r.closed = true
	var executions []*execution
	for _, e := range r.executions {
		executions = append(executions, e)
	}
	r.mut.Unlock()

	for _, e := range executions {
		e.mut.Lock()
		if e.state == StateRunning {
			e.state = StateStopping
			e.proc.Terminate()
		}
		done := e.done
		e.mut.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			r.cancel()
			return fmt.Errorf("waiting for execution %s to stop: %w", e.id, ctx.Err())
		}
	}

	wgDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(wgDone)
	}()
	select {
	case <-wgDone:
	case <-ctx.Done():
	}
	r.cancel()
	<-wgDone
	return nil
}
