package gotq

import "sync/atomic"

// Flag is the state of a ControlFlag.
type Flag int32

const (
	Stop Flag = iota
	Go
)

func (f Flag) String() string {
	if f == Go {
		return "go"
	}
	return "stop"
}

// ControlFlag is a cooperative cancellation token shared between the
// orchestrator and the goroutines of one running job. Transfer loops poll it
// once per buffer and return early when it reads Stop.
type ControlFlag struct {
	v atomic.Int32
}

// NewControlFlag returns a flag set to f.
func NewControlFlag(f Flag) *ControlFlag {
	c := new(ControlFlag)
	c.Set(f)
	return c
}

// Get returns the current state.
func (c *ControlFlag) Get() Flag {
	return Flag(c.v.Load())
}

// Set changes the current state.
func (c *ControlFlag) Set(f Flag) {
	c.v.Store(int32(f))
}

// Stopped reports whether the flag reads Stop.
func (c *ControlFlag) Stopped() bool {
	return c.Get() == Stop
}
