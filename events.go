package gotq

import (
	"sync/atomic"
	"time"
)

// Status is the state of one job as shown to the user.
type Status int

const (
	Queued Status = iota
	Downloading
	Validating
	Paused
	Errored
	Completed
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Downloading:
		return "downloading"
	case Validating:
		return "validating"
	case Paused:
		return "paused"
	case Errored:
		return "error"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// ManagerState is the overall orchestrator state.
type ManagerState int

const (
	ManagerEmpty ManagerState = iota
	ManagerDownloading
	ManagerPaused
	ManagerError
	ManagerFinished
)

func (s ManagerState) String() string {
	switch s {
	case ManagerDownloading:
		return "downloading"
	case ManagerPaused:
		return "paused"
	case ManagerError:
		return "error"
	case ManagerFinished:
		return "finished"
	}
	return "empty"
}

// ManagerStatus is the orchestrator state plus the error that caused
// ManagerError, if any.
type ManagerStatus struct {
	State ManagerState
	Err   error
}

type (
	// Event is anything emitted on the event channel.
	Event interface {
		event()
	}

	// QueueItem is one row of a QueueUpdate.
	QueueItem struct {
		Metadata Metadata
		Status   Status
		Progress float64
		Current  uint64
		Max      uint64
	}

	// QueueUpdate is a snapshot of the queue in order.
	QueueUpdate struct {
		Queue  []QueueItem
		Status ManagerStatus
	}

	// StatsUpdate carries smoothed throughput in bytes per second and the
	// remaining-time estimate of the running job.
	StatsUpdate struct {
		Metadata   Metadata
		Throughput uint64
		ETA        time.Duration
	}

	// ErrorEvent reports a job-ending error.
	ErrorEvent struct {
		Metadata Metadata
		Kind     ErrorKind
		Message  string
	}
)

func (QueueUpdate) event() {}
func (StatsUpdate) event() {}
func (ErrorEvent) event()  {}

// DefaultEventBuffer is the capacity of the channel returned by NewEmitter
// when size is zero.
const DefaultEventBuffer = 64

// Emitter delivers events best-effort: when the consumer falls behind,
// events are dropped instead of blocking the sender.
type Emitter struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEmitter returns an emitter with a buffer of size events.
func NewEmitter(size int) *Emitter {

	if size <= 0 {
		size = DefaultEventBuffer
	}

	return &Emitter{ch: make(chan Event, size)}
}

// Events returns the receive side of the event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Dropped returns how many events were discarded so far.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Emit sends ev without blocking. A nil emitter discards everything.
func (e *Emitter) Emit(ev Event) {

	if e == nil {
		return
	}

	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}
