// Package term implements the termination oracle (C2): a stateless
// predicate over history and wall clock, grounded on the teacher's
// scheduler.IsComplete/HasFailures pure-predicate style in
// internal/scheduler/scheduler.go.
package term

import (
	"math"
	"time"

	"github.com/hpcflow/ensemble/internal/history"
)

// Flag is the termination oracle's result.
type Flag int

const (
	// Continue means the run should keep scheduling.
	Continue Flag = 0
	// BudgetReached means a sim/gen/value budget was hit; exit cleanly.
	BudgetReached Flag = 1
	// WallclockExceeded means the time budget elapsed; drain-and-kill.
	WallclockExceeded Flag = 2
)

// StopVal names a field and a threshold: termination triggers once any
// filled row's value for that field is non-NaN and <= Val.
type StopVal struct {
	Field string
	Val   float64
}

// ExitCriteria is the subset of exit_criteria relevant to termination.
// SimMax and GenMax are pointers so that an explicit 0 (terminate before
// any dispatch) is distinguishable from "not configured".
type ExitCriteria struct {
	SimMax              *int
	GenMax              *int
	StopVal             *StopVal
	ElapsedWallclockTime time.Duration
}

// Oracle evaluates termination against a fixed set of criteria and a
// fixed start time.
type Oracle struct {
	criteria ExitCriteria
	h0Count  int
	start    time.Time
	now      func() time.Time
}

// New constructs an Oracle. h0Count is the size of the seed history,
// since sim/gen budgets are measured relative to it. now defaults to
// time.Now if nil (tests may override it).
func New(criteria ExitCriteria, h0Count int, start time.Time, now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}
	return &Oracle{criteria: criteria, h0Count: h0Count, start: start, now: now}
}

// Check evaluates the termination predicate against h. Checks are
// evaluated in the order budget, then wallclock; first match wins.
func (o *Oracle) Check(h *history.History) Flag {
	c := o.criteria

	if c.SimMax != nil && h.SumGiven() >= *c.SimMax+o.h0Count {
		return BudgetReached
	}
	if c.GenMax != nil && h.HInd() >= *c.GenMax+o.h0Count {
		return BudgetReached
	}
	if c.StopVal != nil {
		hInd := h.HInd()
		for i := 0; i < hInd; i++ {
			v, err := h.Field(c.StopVal.Field, i)
			if err != nil {
				continue
			}
			f, ok := v.(float64)
			if !ok || math.IsNaN(f) {
				continue
			}
			if f <= c.StopVal.Val {
				return BudgetReached
			}
		}
	}

	if c.ElapsedWallclockTime > 0 && o.now().Sub(o.start) >= c.ElapsedWallclockTime {
		return WallclockExceeded
	}

	return Continue
}
