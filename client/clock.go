package client

import "time"

type (
	// Clock abstracts wall-clock time and timer scheduling so the session
	// manager can be driven deterministically in tests.
	Clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) Timer
	}

	// Timer is a handle on a scheduled task.
	Timer interface {
		// Stop cancels the task. It reports whether the call prevented
		// the task from running.
		Stop() bool
	}

	realClock struct{}
)

func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
