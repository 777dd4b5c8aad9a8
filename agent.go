package gotq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var agentLogger = loggo.GetLogger("gotq.agent")

const (
	// DefaultThreads is used when no Settings are given.
	DefaultThreads = 4

	// DefaultAttempts is the per-chunk attempt budget.
	DefaultAttempts = 3

	// DefaultRetryDelay is the pause between two attempts of one chunk.
	DefaultRetryDelay = 100 * time.Millisecond

	// verifyRounds bounds how many download-then-validate cycles a job may
	// take before it is declared failed.
	verifyRounds = 3
)

type (
	// Agent drives one job. The orchestrator only ever talks to jobs
	// through this interface.
	Agent interface {
		Metadata() Metadata
		Progress() *Progress
		ControlFlag() *ControlFlag
		Status() Status
		SetStatus(Status)

		// Download transfers every missing part of the job. It returns
		// false without error when stopped by the control flag.
		Download(ctx context.Context) (bool, error)

		// Validate checks what is already on disk without transferring.
		Validate(ctx context.Context) (bool, error)

		OnInitialised()
		OnComplete()
		OnIncomplete()
		OnError(err error)
		OnCancelled()
	}

	// Settings is the read-mostly application configuration agents consult
	// when a job starts.
	Settings interface {
		DownloadThreads() int
	}

	// Threads is a fixed Settings value.
	Threads int

	// RetryPolicy bounds the attempts made for one chunk.
	RetryPolicy struct {
		Attempts int
		Delay    time.Duration
	}
)

func (t Threads) DownloadThreads() int {
	return int(t)
}

func threadsOf(s Settings) int {

	if s == nil {
		return DefaultThreads
	}

	if n := s.DownloadThreads(); n > 0 {
		return n
	}

	return 1
}

func (p RetryPolicy) withDefaults() RetryPolicy {

	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}

	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}

	return p
}

// do runs fn until it succeeds, fails with a non retryable error or the
// budget is spent. A stop of ctx ends the loop as incomplete.
func (p RetryPolicy) do(ctx context.Context, clk clock.Clock, notify func(error, int), fn func() (bool, error)) (bool, error) {

	var completed bool

	err := retry.Call(retry.CallArgs{
		Func: func() (err error) {
			completed, err = fn()
			return err
		},
		IsFatalError: func(err error) bool {
			return !IsRetryable(err)
		},
		NotifyFunc: notify,
		Attempts:   p.Attempts,
		Delay:      p.Delay,
		Clock:      clk,
		Stop:       ctx.Done(),
	})

	switch {
	case err == nil:
		return completed, nil
	case retry.IsRetryStopped(err):
		return false, nil
	case retry.IsAttemptsExceeded(err):
		return false, retry.LastError(err)
	}

	return false, err
}

// agentBase holds what every Agent implementation shares.
type agentBase struct {
	meta     Metadata
	flag     *ControlFlag
	progress *Progress
	status   atomic.Int32
	running  atomic.Bool
	clock    clock.Clock
	metrics  *Collector
	retry    RetryPolicy
	settings Settings
}

func newAgentBase(meta Metadata, clk clock.Clock, emitter *Emitter, interval time.Duration) agentBase {

	if clk == nil {
		clk = clock.WallClock
	}

	return agentBase{
		meta:  meta,
		flag:  NewControlFlag(Go),
		clock: clk,
		progress: NewProgress(ProgressConfig{
			Metadata: meta,
			Clock:    clk,
			Emitter:  emitter,
			Interval: interval,
		}),
	}
}

func (b *agentBase) Metadata() Metadata {
	return b.meta
}

func (b *agentBase) Progress() *Progress {
	return b.progress
}

func (b *agentBase) ControlFlag() *ControlFlag {
	return b.flag
}

func (b *agentBase) Status() Status {
	return Status(b.status.Load())
}

func (b *agentBase) SetStatus(s Status) {
	b.status.Store(int32(s))
}

// lock guards against the same job being driven twice at once.
func (b *agentBase) lock() error {

	if !b.running.CompareAndSwap(false, true) {
		return errors.Annotatef(ErrLocked, "%s", b.meta)
	}

	return nil
}

func (b *agentBase) unlock() {
	b.running.Store(false)
}

func (b *agentBase) threads() int {
	return threadsOf(b.settings)
}

func (b *agentBase) notifyRetry(what string) func(error, int) {
	return func(err error, attempt int) {
		b.metrics.retried()
		agentLogger.Warningf("%s: %s attempt %d failed: %v", b.meta, what, attempt, err)
	}
}
