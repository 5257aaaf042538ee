// Package testerr simulates failing dependencies in tests.
package testerr

import (
	"errors"
	"fmt"
)

// Err is the error returned by failing dependencies.
var Err = errors.New("test error")

// Calltracker counts the calls made to a dependency and fails
// some of them. The zero value never fails.
type Calltracker struct {
	// Err is returned by failing calls, nil disables failures.
	Err error
	// FailAt is the zero based index of the first call to fail.
	FailAt int
	// Persistent makes all calls after FailAt fail as well.
	Persistent bool

	calls int
}

// NewFailingDeps returns two trackers for every call a dependency is
// expected to receive: one that fails only that call, and one that
// fails that call and everything after it.
func NewFailingDeps(err error, expectCalls int) []Calltracker {
	trackers := make([]Calltracker, 0, expectCalls*2)
	for i := 0; i < expectCalls; i++ {
		trackers = append(trackers,
			Calltracker{Err: err, FailAt: i},
			Calltracker{Err: err, FailAt: i, Persistent: true},
		)
	}

	return trackers
}

func (ct *Calltracker) String() string {
	if ct.Persistent {
		return fmt.Sprintf("fail from call %d", ct.FailAt)
	}
	return fmt.Sprintf("fail call %d", ct.FailAt)
}

func (ct *Calltracker) next() error {
	i := ct.calls
	ct.calls++

	if ct.Err == nil {
		return nil
	}

	if i == ct.FailAt || (ct.Persistent && i > ct.FailAt) {
		return ct.Err
	}

	return nil
}

// MaybeFailErrFunc calls f unless this call is due to fail.
func MaybeFailErrFunc(ct *Calltracker, f func() error) error {
	if err := ct.next(); err != nil {
		return err
	}
	return f()
}

// MaybeFail calls f unless this call is due to fail.
func MaybeFail[T any](ct *Calltracker, f func() (T, error)) (T, error) {
	if err := ct.next(); err != nil {
		var zero T
		return zero, err
	}
	return f()
}
