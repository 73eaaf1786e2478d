package exitcoord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"
)

// guestCall turns a panic on the guest's stack into an error, the way the
// runtime does for host functions.
func guestCall(fn func() int32) (rc int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("wasm error: %w", e)
				return
			}
			err = fmt.Errorf("wasm panic: %v", r)
		}
	}()
	return fn(), nil
}

type fakeVM struct {
	runMain     func(ctx context.Context) int32
	mainErr     error
	step        func(ctx context.Context, n int) int32
	finalize    func()
	finalizeRC  int32
	finalizeErr error

	mainCalls int
	stepCalls int
	finalized int
	dumped    int
}

func (f *fakeVM) RunMain(ctx context.Context) (int32, error) {
	f.mainCalls++
	if f.mainErr != nil {
		return 0, f.mainErr
	}
	if f.runMain == nil {
		return 0, nil
	}
	return guestCall(func() int32 { return f.runMain(ctx) })
}

func (f *fakeVM) Step(ctx context.Context) (int32, error) {
	f.stepCalls++
	if f.step == nil {
		return 0, nil
	}
	n := f.stepCalls
	return guestCall(func() int32 { return f.step(ctx, n) })
}

func (f *fakeVM) Finalize(context.Context) (int32, error) {
	f.finalized++
	if f.finalize != nil {
		if _, err := guestCall(func() int32 { f.finalize(); return 0 }); err != nil {
			return 0, err
		}
	}
	return f.finalizeRC, f.finalizeErr
}

func (f *fakeVM) DumpTrace(context.Context) error {
	f.dumped++
	return nil
}

func run(t *testing.T, c *Coordinator, vm *fakeVM) int {
	t.Helper()
	return c.Run(context.Background(), vm)
}

func TestRunDrainsWithoutTasks(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{runMain: func(context.Context) int32 { return 0 }}

	assert.Equal(t, 0, run(t, c, vm))
	assert.Equal(t, 1, vm.finalized)
	assert.Zero(t, vm.stepCalls)

	o, ok := c.Outcome()
	require.True(t, ok)
	assert.Equal(t, KindDrained, o.Kind)
}

func TestRunDrainedKeepsEntryResult(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{runMain: func(context.Context) int32 { return 4 }}

	assert.Equal(t, 4, run(t, c, vm))
	assert.Equal(t, 1, vm.finalized)
}

func TestRunNonZeroResultWithTasksOutstanding(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{runMain: func(context.Context) int32 {
		c.Progress(1)
		return 5
	}}

	assert.Equal(t, 5, run(t, c, vm))
	assert.Equal(t, 1, vm.finalized)
	assert.Zero(t, vm.stepCalls)

	o, _ := c.Outcome()
	assert.Equal(t, KindReturned, o.Kind)
}

func TestRunDrainedDuringEntryKeepsEntryResult(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{runMain: func(context.Context) int32 {
		c.Progress(-1)
		return 6
	}}

	assert.Equal(t, 6, run(t, c, vm))
	assert.Equal(t, 1, vm.finalized)
	assert.Zero(t, vm.stepCalls)

	o, ok := c.Outcome()
	require.True(t, ok)
	assert.Equal(t, KindDrained, o.Kind)
	assert.Equal(t, 6, o.Code)
}

func TestRunStepsUntilDrained(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{
		runMain: func(context.Context) int32 {
			c.Progress(1)
			return 0
		},
		step: func(_ context.Context, n int) int32 {
			if n == 3 {
				c.Progress(-1)
			}
			return 1
		},
	}

	assert.Equal(t, 0, run(t, c, vm))
	assert.Equal(t, 3, vm.stepCalls)
	assert.Equal(t, 1, vm.finalized)
	assert.True(t, c.Latch().Released())
}

func TestRunStallFinishesAsDrained(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{
		runMain: func(context.Context) int32 {
			c.Progress(2)
			return 0
		},
		step: func(context.Context, int) int32 { return 0 },
	}

	assert.Equal(t, 0, run(t, c, vm))
	assert.Equal(t, 1, vm.stepCalls)
	assert.Equal(t, 1, vm.finalized)
	assert.Equal(t, 2, c.Latch().Count())
}

func TestSystemExit(t *testing.T) {
	tests := []struct {
		name        string
		finalizeRC  int32
		finalizeErr error
		want        int
	}{
		{"finalize ok", 0, nil, 3},
		{"finalize negative", -1, nil, ExitFinalizeFailed},
		{"finalize error", 0, errors.New("trap"), ExitFinalizeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{})
			reachedAfterExit := false
			vm := &fakeVM{
				runMain: func(context.Context) int32 {
					c.Progress(1)
					c.SystemExit(3)
					reachedAfterExit = true
					return 0
				},
				finalizeRC:  tt.finalizeRC,
				finalizeErr: tt.finalizeErr,
			}

			assert.Equal(t, tt.want, run(t, c, vm))
			assert.False(t, reachedAfterExit)
			assert.Equal(t, 1, vm.finalized)
			assert.Zero(t, vm.stepCalls)
		})
	}
}

func TestSystemExitFromScheduledTask(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{
		runMain: func(context.Context) int32 {
			c.Progress(1)
			return 0
		},
		step: func(_ context.Context, n int) int32 {
			if n == 2 {
				c.SystemExit(9)
			}
			return 1
		},
	}

	assert.Equal(t, 9, run(t, c, vm))
	assert.Equal(t, 2, vm.stepCalls)
	assert.Equal(t, 1, vm.finalized)
}

func TestInterruptWithTasksOutstanding(t *testing.T) {
	tests := []struct {
		name       string
		finalizeRC int32
		want       int
	}{
		{"finalize ok", 0, ExitInterrupted},
		{"finalize fails", -2, ExitFinalizeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wakes atomic.Int32
			c := New(Options{Wake: func() { wakes.Add(1) }})
			vm := &fakeVM{
				runMain: func(context.Context) int32 {
					c.Progress(3)
					return 0
				},
				step: func(_ context.Context, n int) int32 {
					if n == 2 {
						c.Interrupt()
						c.Checkpoint()
					}
					return 1
				},
				// Host imports made by the finalizer must not unwind it.
				finalize:   func() { c.Checkpoint(); c.Progress(-1) },
				finalizeRC: tt.finalizeRC,
			}

			assert.Equal(t, tt.want, run(t, c, vm))
			assert.Equal(t, 1, vm.finalized)
			assert.Equal(t, int32(1), wakes.Load())

			o, _ := c.Outcome()
			assert.Equal(t, KindInterrupted, o.Kind)
		})
	}
}

func TestInterruptSeenBetweenSteps(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{
		runMain: func(context.Context) int32 {
			c.Progress(1)
			return 0
		},
		step: func(_ context.Context, n int) int32 {
			if n == 1 {
				c.Interrupt()
			}
			return 1
		},
	}

	assert.Equal(t, ExitInterrupted, run(t, c, vm))
	assert.Equal(t, 1, vm.stepCalls)
	assert.Equal(t, 1, vm.finalized)
}

func TestInterruptBeforeRun(t *testing.T) {
	c := New(Options{})
	c.Checkpoint()
	c.Interrupt()
	c.Checkpoint()

	vm := &fakeVM{}
	assert.Equal(t, ExitInterrupted, run(t, c, vm))
	assert.Zero(t, vm.mainCalls)
	assert.Equal(t, 1, vm.finalized)
}

func TestFirstOutcomeWins(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{
		runMain: func(context.Context) int32 {
			c.Interrupt()
			func() {
				defer func() { _ = recover() }()
				c.Checkpoint()
			}()
			c.SystemExit(4)
			return 0
		},
	}

	assert.Equal(t, ExitInterrupted, run(t, c, vm))
	assert.Equal(t, 1, vm.finalized)
}

func TestFaultDumpsTraceAndFinalizes(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{mainErr: errors.New("wasm error: unreachable")}

	assert.Equal(t, ExitFault, run(t, c, vm))
	assert.Equal(t, 1, vm.dumped)
	assert.Equal(t, 1, vm.finalized)

	o, _ := c.Outcome()
	assert.Equal(t, KindFault, o.Kind)
	assert.EqualError(t, o.Err, "wasm error: unreachable")
}

func TestProcExitSkipsFinalize(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{mainErr: sys.NewExitError(7)}

	assert.Equal(t, 7, run(t, c, vm))
	assert.Zero(t, vm.finalized)
	assert.Zero(t, vm.dumped)

	o, ok := c.Outcome()
	require.True(t, ok)
	assert.Equal(t, KindSystemExit, o.Kind)
	assert.Equal(t, 7, o.Code)
}

func TestSecondSignalAborts(t *testing.T) {
	c := New(Options{})
	signals := make(chan os.Signal, 2)
	stop := c.Watch(signals)
	defer stop()

	vm := &fakeVM{mainErr: nil}
	vm.runMain = func(ctx context.Context) int32 {
		signals <- os.Interrupt
		signals <- os.Interrupt
		select {
		case <-ctx.Done():
			panic(sys.NewExitError(sys.ExitCodeContextCanceled))
		case <-time.After(5 * time.Second):
			return 0
		}
	}

	assert.Equal(t, ExitInterrupted, run(t, c, vm))
	assert.Zero(t, vm.finalized)

	o, ok := c.Outcome()
	require.True(t, ok)
	assert.Equal(t, KindInterrupted, o.Kind)
}

func TestProgressUnderflowIsIgnored(t *testing.T) {
	c := New(Options{})
	vm := &fakeVM{runMain: func(context.Context) int32 {
		c.Progress(-5)
		return 0
	}}

	assert.Equal(t, 0, run(t, c, vm))
	assert.Equal(t, 1, vm.finalized)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "system_exit", KindSystemExit.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
