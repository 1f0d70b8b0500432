package engine

import "time"

// Clock supplies the current time. The dispatcher, executor and management
// operations all read time through it so tests can drive virtual time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
