package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/uacbridge/internal/usbaudio"
)

// Running returns a checker that fails while running reports false.
func Running(name string, running func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !running() {
				return errors.New("not running")
			}
			return nil
		},
	}
}

// StatusReporter is implemented by [usbaudio.OutStream] and
// [usbaudio.InStream].
type StatusReporter interface {
	Status() usbaudio.Status
}

// Streams returns a checker that fails once any stream has recorded a
// contract violation. Overflows and underruns are normal while a host starts
// or stops streaming and do not fail the check.
func Streams(streams ...StatusReporter) Checker {
	return Checker{
		Name: "streams",
		Check: func(context.Context) error {
			var errs []error
			for _, s := range streams {
				st := s.Status()
				if st.Violations > 0 {
					errs = append(errs, fmt.Errorf("%s: %d contract violations", st.Direction, st.Violations))
				}
			}
			return errors.Join(errs...)
		},
	}
}
