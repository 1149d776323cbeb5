package service

import (
	"context"
	"time"
)

// StringSet is a set of strings (all elements are unique)
type StringSet map[string]struct{}

// Push adds the string to the set if not already exists
func (ss StringSet) Push(s string) {
	ss[s] = struct{}{}
}

// Pop removes the string from the set
func (ss StringSet) Pop(s string) {
	delete(ss, s)
}

// Slice returns a slice from the set
func (ss StringSet) Slice() []string {
	sl := make([]string, 0, len(ss))
	for k := range ss {
		sl = append(sl, k)
	}
	return sl
}

// Exists returns true if the string already exists in the Set
func (ss StringSet) Exists(s string) bool {
	_, ok := ss[s]
	return ok
}

// Retriable calls f until it succeeds, returns a fatal error or maxTries is reached.
// The delay between two tries is doubled after each try.
func Retriable(ctx context.Context, f func() error, delay time.Duration, maxTries int) error {
	var err error
	for try := 0; try < maxTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return MergeErrors(true, err, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = f(); err == nil || Fatal(err) {
			return err
		}
	}
	return err
}
