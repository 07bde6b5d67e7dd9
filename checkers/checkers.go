// Package checkers contains the individual bug detectors. Each checker
// consumes the converged data-flow states through lint.Pass and produces
// findings; it never filters or orders them, that is the linter's job.
package checkers

import "github.com/ffilint/ffilint/lint"

// All returns the full checker set in a fixed order.
func All() []lint.Checker {
	return []lint.Checker{
		&DoubleFree{},
		&UseAfterFree{},
		&Leak{},
		&UnwindSafety{},
	}
}
