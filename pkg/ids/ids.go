package ids

import (
	"time"

	"github.com/google/uuid"
)

// New returns a new random UUID v4 string
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Clock abstracts the time source so tests can control it
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation of Clock
type SystemClock struct{}

// Now returns the current time
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FakeClock is a manually advanced clock for tests
type FakeClock struct {
	T time.Time
}

// Now returns the fake time
func (c *FakeClock) Now() time.Time {
	return c.T
}

// Advance moves the fake clock forward
func (c *FakeClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
