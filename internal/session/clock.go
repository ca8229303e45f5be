package session

import "time"

// Timer is a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

// Clock is the machine's time source. Callbacks scheduled with AfterFunc
// run on their own goroutine; the machine routes them back onto its loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
