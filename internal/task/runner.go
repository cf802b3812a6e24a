// Package task triggers the pipeline's periodic work (scheduler tick, queue
// tick, reconciliation, housekeeping) on cron schedules.
//
// A task never overlaps itself: a trigger that fires while the previous run
// is still going is skipped. Every run gets its own timeout and panics are
// recovered and recorded as failed runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"greetd/internal/eventbus"
	logx "greetd/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrDuplicate   = errors.New("task already registered")
	ErrRunning     = errors.New("task is already running")
)

type Func func(ctx context.Context) error

// Def declares one periodic task.
type Def struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      Func
}

// Run is one finished execution.
type Run struct {
	Task     string
	Started  time.Time
	Took     time.Duration
	Err      string
	Manual   bool
	Panicked bool
}

type entry struct {
	def     Def
	spec    Spec
	id      cron.EntryID
	running atomic.Bool
}

type Runner struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	loc     *time.Location
	c       *cron.Cron
	tasks   map[string]*entry
	baseCtx context.Context

	hmu         sync.Mutex
	history     []Run
	historySize int
}

type Option func(*Runner)

func WithLocation(loc *time.Location) Option { return func(r *Runner) { r.loc = loc } }
func WithBus(b eventbus.Bus) Option          { return func(r *Runner) { r.bus = b } }

// WithHistory keeps the last n runs; n <= 0 keeps the default.
func WithHistory(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.historySize = n
		}
	}
}

func NewRunner(log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		log:         log.With(logx.String("comp", "task")),
		bus:         eventbus.Nop(),
		loc:         time.UTC,
		tasks:       map[string]*entry{},
		historySize: 200,
		baseCtx:     context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	cl := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return r
}

// Register adds a task. Tasks can be registered before or after Start.
func (r *Runner) Register(def Def) error {
	if def.Name == "" || def.Run == nil {
		return fmt.Errorf("task needs a name and a func")
	}
	spec, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("task %s: %w", def.Name, err)
	}
	sched, err := spec.Schedule()
	if err != nil {
		return fmt.Errorf("task %s: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tasks[def.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}
	e := &entry{def: def, spec: spec}
	e.id = r.c.Schedule(sched, cron.FuncJob(func() {
		r.mu.Lock()
		ctx := r.baseCtx
		r.mu.Unlock()
		_ = r.run(ctx, e, false)
	}))
	r.tasks[def.Name] = e
	r.log.Debug("task registered", logx.String("task", def.Name), logx.String("schedule", spec.String()))
	return nil
}

// Start begins triggering. Runs started by cron use ctx as their parent.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	n := len(r.tasks)
	r.mu.Unlock()
	r.c.Start()
	r.log.Info("task runner started", logx.Int("tasks", n), logx.String("tz", r.loc.String()))
}

// Stop stops triggering and waits for running tasks until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	start := time.Now()
	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
		r.log.Warn("task runner stop timed out; runs still in flight")
	}
	r.log.Info("task runner stopped", logx.Duration("took", time.Since(start)))
}

// RunNow executes a task immediately unless it is already running.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.run(ctx, e, true)
}

func (r *Runner) run(parent context.Context, e *entry, manual bool) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		r.log.Debug("task still running; skipped", logx.String("task", e.def.Name))
		return ErrRunning
	}
	defer e.running.Store(false)

	ctx := parent
	if e.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.def.Timeout)
		defer cancel()
	}

	rec := Run{Task: e.def.Name, Started: time.Now(), Manual: manual}
	defer func() {
		if p := recover(); p != nil {
			rec.Panicked = true
			err = fmt.Errorf("panic: %v", p)
			r.log.Error("task panic", logx.String("task", e.def.Name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
		rec.Took = time.Since(rec.Started)
		if err != nil {
			rec.Err = err.Error()
			if !rec.Panicked {
				r.log.Warn("task failed", logx.String("task", e.def.Name), logx.Duration("took", rec.Took), logx.Err(err))
			}
		}
		r.record(rec)
		r.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.Payload{
			ID: e.def.Name, Took: rec.Took, Err: rec.Err,
		}})
	}()
	return e.def.Run(ctx)
}

func (r *Runner) record(run Run) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.history = append(r.history, run)
	if over := len(r.history) - r.historySize; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

// History returns finished runs, newest first.
func (r *Runner) History() []Run {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	out := make([]Run, len(r.history))
	for i, h := range r.history {
		out[len(out)-1-i] = h
	}
	return out
}

// Info describes a registered task.
type Info struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
}

func (r *Runner) Tasks() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.tasks))
	for name, e := range r.tasks {
		ce := r.c.Entry(e.id)
		out = append(out, Info{
			Name:     name,
			Schedule: e.spec.String(),
			Timeout:  e.def.Timeout,
			Next:     ce.Next,
			Prev:     ce.Prev,
			Running:  e.running.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
