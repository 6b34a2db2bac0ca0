package train

import (
	"fmt"
	"time"
)

// NTimesDuringLoop arranges for fn to run about n times over the loop, spread
// evenly across its steps, and always on the final step. When the loop does
// not know its end step the spread degrades to a doubling schedule (steps
// 128, 256, 512, ...), which may fire more than n times.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	calls := 0
	hookName := fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name)
	loop.OnStep(hookName, priority, func(loop *Loop, loss float32) error {
		stepsDone := loop.LoopStep - loop.StartStep + 1 // The current step already ran.
		switch {
		case loop.EndStep < 0:
			if stepsDone < 128<<calls {
				return nil
			}
		case loop.LoopStep >= loop.EndStep-1:
			// The final step always fires.
		default:
			perCall := float64(loop.EndStep-loop.StartStep) / float64(n)
			if perCall > 1 && float64(calls) > float64(stepsDone)/perCall {
				return nil
			}
		}
		calls++
		return fn(loop, loss)
	})
}

// EveryNSteps arranges for fn to run on every n-th step of the loop. Unlike
// NTimesDuringLoop it gives the final step no special treatment.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	count := 0
	hookName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(hookName, priority, func(loop *Loop, loss float32) error {
		count++
		if count%n != 0 {
			return nil
		}
		return fn(loop, loss)
	})
}

// PeriodicCallback arranges for fn to run once at least period has elapsed
// since its previous run, measured from the end of that run so an expensive
// fn (or a paused process) does not immediately retrigger. The clock starts
// on the loop's first step. With callOnEnd, fn also runs when the loop ends.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	var last time.Time
	hookName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(hookName, priority, func(loop *Loop, loss float32) error {
		if last.IsZero() {
			last = time.Now()
			return nil
		}
		if time.Since(last) < period {
			return nil
		}
		err := fn(loop, loss)
		last = time.Now()
		return err
	})
	if callOnEnd {
		loop.OnEnd(hookName, priority, OnEndFn(fn))
	}
}
