// Package exitcoord decides how a guest run ends. It tracks outstanding
// scheduler tasks, turns exit requests and interrupts into outcomes, runs the
// interpreter's finalizer exactly once and maps the outcome to an exit code.
package exitcoord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bpicori/vmshell/internal/logging"
)

// Exit codes chosen by the coordinator rather than the guest.
const (
	ExitInterrupted    = 130
	ExitFinalizeFailed = 120
	ExitFault          = 1
)

// Interpreter is the guest as seen by the coordinator.
type Interpreter interface {
	RunMain(ctx context.Context) (int32, error)
	Step(ctx context.Context) (int32, error)
	Finalize(ctx context.Context) (int32, error)
	DumpTrace(ctx context.Context) error
}

// Kind classifies how a run ended.
type Kind int

const (
	KindDrained Kind = iota + 1
	KindReturned
	KindSystemExit
	KindInterrupted
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindDrained:
		return "drained"
	case KindReturned:
		return "returned"
	case KindSystemExit:
		return "system_exit"
	case KindInterrupted:
		return "interrupted"
	case KindFault:
		return "fault"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the reason a run ended and the code it asks for.
type Outcome struct {
	Kind Kind
	Code int
	Err  error
}

// errUnwind is panicked on the guest's stack to abandon it. wazero recovers
// it and returns it from the export call.
var errUnwind = errors.New("guest unwound by host")

// Options configures a Coordinator.
type Options struct {
	Logger *zap.Logger
	// Wake interrupts a blocking host read so a pending interrupt is seen.
	Wake func()
}

// Coordinator implements the guest's host hooks and drives a run to its end.
type Coordinator struct {
	logger *zap.Logger
	wake   func()
	latch  *Latch

	running     atomic.Bool
	finishing   atomic.Bool
	interrupted atomic.Bool

	mu      sync.Mutex
	outcome *Outcome
	cancel  context.CancelFunc

	// result is the entry point's return code, guarded by mu.
	result int
}

// New returns a coordinator with the latch at its initial count.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		logger: logging.OrNop(opts.Logger).Named("exit"),
		wake:   opts.Wake,
	}
	c.latch = NewLatch(c.onDrained)
	return c
}

// Latch exposes the in-progress gate.
func (c *Coordinator) Latch() *Latch { return c.latch }

// Outcome returns the recorded outcome, if any.
func (c *Coordinator) Outcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return Outcome{}, false
	}
	return *c.outcome, true
}

// record keeps the first outcome and ignores the rest. It returns the kept
// outcome.
func (c *Coordinator) record(o Outcome) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome != nil {
		if c.outcome.Kind != o.Kind || c.outcome.Code != o.Code {
			c.logger.Debug("outcome already recorded",
				zap.Stringer("kept", c.outcome.Kind),
				zap.Stringer("dropped", o.Kind),
			)
		}
		return *c.outcome
	}
	c.outcome = &o
	return o
}

func (c *Coordinator) onDrained() {
	c.mu.Lock()
	code := c.result
	c.mu.Unlock()
	c.record(Outcome{Kind: KindDrained, Code: code})
}

// setResult stores the entry point's return code. A drain recorded while the
// entry point was still running takes the code too.
func (c *Coordinator) setResult(rc int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = rc
	if c.outcome != nil && c.outcome.Kind == KindDrained {
		c.outcome.Code = rc
	}
}

// Progress applies a change to the in-progress count.
func (c *Coordinator) Progress(delta int32) {
	if err := c.latch.Add(int(delta)); err != nil {
		c.logger.Warn("ignoring progress update", zap.Int32("delta", delta), zap.Error(err))
	}
}

// SystemExit records the guest's exit request and unwinds the guest.
func (c *Coordinator) SystemExit(code int32) {
	if c.finishing.Load() {
		c.logger.Warn("exit requested during finalize", zap.Int32("code", code))
		return
	}
	c.record(Outcome{Kind: KindSystemExit, Code: int(code)})
	panic(errUnwind)
}

// Checkpoint unwinds the guest if an interrupt is pending. It is inert
// outside Run and during finalize.
func (c *Coordinator) Checkpoint() {
	if !c.running.Load() || c.finishing.Load() || !c.interrupted.Load() {
		return
	}
	c.record(Outcome{Kind: KindInterrupted, Code: ExitInterrupted})
	panic(errUnwind)
}

// Interrupt delivers an external interrupt. The first one is raised at the
// guest's next checkpoint. A second one aborts the guest outright.
func (c *Coordinator) Interrupt() {
	if c.interrupted.Swap(true) {
		c.logger.Warn("interrupted again, aborting interpreter")
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	if c.wake != nil {
		c.wake()
	}
}

// Watch calls Interrupt for every value received on signals until stop is
// called.
func (c *Coordinator) Watch(signals <-chan os.Signal) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				c.logger.Debug("signal received", zap.Stringer("signal", sig))
				c.Interrupt()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Run executes the guest's entry point, drains its scheduler and finalizes it.
// It returns the process exit code.
func (c *Coordinator) Run(ctx context.Context, vm Interpreter) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.running.Store(true)
	defer c.running.Store(false)

	c.pollInterrupt()
	if o, ok := c.Outcome(); ok {
		return c.finish(ctx, vm, o)
	}

	rc, err := vm.RunMain(ctx)
	if code, done := c.settle(ctx, vm, err); done {
		return code
	}
	c.setResult(int(rc))
	if o, ok := c.Outcome(); ok {
		return c.finish(ctx, vm, o)
	}

	if err := c.latch.Done(); err != nil {
		c.logger.Warn("removing run bias", zap.Error(err))
	}
	if o, ok := c.Outcome(); ok {
		return c.finish(ctx, vm, o)
	}
	if rc != 0 {
		return c.finish(ctx, vm, Outcome{Kind: KindReturned, Code: int(rc)})
	}

	for {
		c.pollInterrupt()
		if o, ok := c.Outcome(); ok {
			return c.finish(ctx, vm, o)
		}

		ran, err := vm.Step(ctx)
		if code, done := c.settle(ctx, vm, err); done {
			return code
		}
		if _, ok := c.Outcome(); ok {
			continue
		}
		if ran == 0 {
			c.logger.Warn("scheduler stalled with tasks outstanding",
				zap.Int("in_progress", c.latch.Count()))
			c.onDrained()
		}
	}
}

func (c *Coordinator) pollInterrupt() {
	if c.interrupted.Load() {
		c.record(Outcome{Kind: KindInterrupted, Code: ExitInterrupted})
	}
}

// settle handles an error from a guest call. done reports that the run is
// over and code is final.
func (c *Coordinator) settle(ctx context.Context, vm Interpreter, err error) (code int, done bool) {
	if err == nil {
		return 0, false
	}
	if ctx.Err() != nil {
		c.logger.Warn("interpreter aborted", zap.Error(err))
		c.record(Outcome{Kind: KindInterrupted, Code: ExitInterrupted, Err: err})
		return ExitInterrupted, true
	}
	if o, ok := c.Outcome(); ok {
		return c.finish(ctx, vm, o), true
	}

	var exit interface{ ExitCode() uint32 }
	if errors.As(err, &exit) {
		c.logger.Debug("interpreter exited directly", zap.Uint32("code", exit.ExitCode()))
		o := Outcome{Kind: KindSystemExit, Code: int(exit.ExitCode())}
		c.record(o)
		return o.Code, true
	}

	c.logger.Error("interpreter fault", zap.Error(err))
	if terr := vm.DumpTrace(ctx); terr != nil {
		c.logger.Debug("dump trace failed", zap.Error(terr))
	}
	return c.finish(ctx, vm, Outcome{Kind: KindFault, Code: ExitFault, Err: err}), true
}

// finish records o, finalizes the interpreter and returns the exit code for
// the kept outcome. Only proc_exit and the hard abort end a run without it.
func (c *Coordinator) finish(ctx context.Context, vm Interpreter, o Outcome) int {
	o = c.record(o)
	c.finishing.Store(true)

	code := o.Code
	rc, err := vm.Finalize(ctx)
	switch {
	case err != nil:
		c.logger.Warn("finalize failed", zap.Error(err))
		code = ExitFinalizeFailed
	case rc < 0:
		c.logger.Warn("finalize reported failure", zap.Int32("result", rc))
		code = ExitFinalizeFailed
	}

	c.logger.Debug("run finished",
		zap.Stringer("outcome", o.Kind),
		zap.Int("requested", o.Code),
		zap.Int("exit_code", code),
	)
	return code
}
