package errorz

import (
	"sort"
	"strings"
)

// Keyed is an error about the input field with the given key.
type Keyed struct {
	Key string
	Err error
}

func (k Keyed) Error() string {
	return k.Key + ": " + k.Err.Error()
}

func (k Keyed) Unwrap() error {
	return k.Err
}

// InvalidInput signals that a provided input could not be read, the
// keyed errors describe which fields were at fault.
type InvalidInput []Keyed

func (e InvalidInput) Error() string {
	parts := make([]string, 0, len(e))
	for _, k := range e {
		parts = append(parts, k.Error())
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e InvalidInput) Unwrap() []error {
	errs := make([]error, 0, len(e))
	for _, k := range e {
		errs = append(errs, k)
	}
	return errs
}

// Keys returns the sorted keys of the invalid fields.
func (e InvalidInput) Keys() []string {
	keys := make([]string, 0, len(e))
	for _, k := range e {
		keys = append(keys, k.Key)
	}
	sort.Strings(keys)
	return keys
}
