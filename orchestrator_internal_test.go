package gotq

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
)

// fakeAgent runs until its flag stops it or release is closed.
type fakeAgent struct {
	agentBase

	release chan struct{}

	mu        sync.Mutex
	starts    int
	hooks     []string
	lastError error
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{
		agentBase: newAgentBase(Metadata{ID: id, Version: "1"}, nil, nil, 0),
		release:   make(chan struct{}),
	}
}

func (a *fakeAgent) Download(ctx context.Context) (bool, error) {

	a.record("download")

	a.mu.Lock()
	a.starts++
	a.mu.Unlock()

	for {
		select {
		case <-a.release:
			return true, nil
		case <-ctx.Done():
			return false, nil
		case <-time.After(time.Millisecond):
			if a.flag.Stopped() {
				return false, nil
			}
		}
	}
}

func (a *fakeAgent) Validate(ctx context.Context) (bool, error) {
	a.record("validate")
	return false, nil
}

func (a *fakeAgent) record(hook string) {
	a.mu.Lock()
	a.hooks = append(a.hooks, hook)
	a.mu.Unlock()
}

func (a *fakeAgent) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.hooks...)
}

func (a *fakeAgent) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

func (a *fakeAgent) OnInitialised() {
	a.record("initialised")
	a.SetStatus(Queued)
}

func (a *fakeAgent) OnComplete() {
	a.record("complete")
	a.SetStatus(Completed)
}

func (a *fakeAgent) OnIncomplete() {
	a.record("incomplete")
	a.SetStatus(Paused)
}

func (a *fakeAgent) OnCancelled() {
	a.record("cancelled")
	a.SetStatus(Paused)
}

func (a *fakeAgent) OnError(err error) {
	a.record("error")
	a.SetStatus(Errored)
	a.mu.Lock()
	a.lastError = err
	a.mu.Unlock()
}

// newTestOrchestrator returns an orchestrator whose loop is not running, the
// test applies commands itself through handle.
func newTestOrchestrator(t *testing.T) *Orchestrator {

	o := &Orchestrator{
		emitter: NewEmitter(1024),
		inbox:   newInbox(),
		queue:   NewQueue(),
	}

	t.Cleanup(func() {
		o.handle(cmdFinish{})
	})

	return o
}

func (o *Orchestrator) mustHandle(t *testing.T, cmd command) {

	t.Helper()

	o.handle(cmd)

	if err := o.queue.Check(); err != nil {
		t.Fatalf("after %T: %v", cmd, err)
	}
}

func queueIDs(o *Orchestrator) (ids []string) {
	for _, meta := range o.queue.Items() {
		ids = append(ids, meta.ID)
	}
	return ids
}

func TestRegistryMatchesQueue(t *testing.T) {

	o := newTestOrchestrator(t)
	a, b, c := newFakeAgent("a"), newFakeAgent("b"), newFakeAgent("c")

	o.mustHandle(t, cmdEnqueue{agent: a})
	o.mustHandle(t, cmdEnqueue{agent: b})
	o.mustHandle(t, cmdEnqueue{agent: c})

	// Same id, other version: rejected.
	dup := newFakeAgent("b")
	dup.meta.Version = "2"
	o.mustHandle(t, cmdEnqueue{agent: dup})

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected queue %v", ids)
	}

	if o.current == nil || o.current.agent != a {
		t.Fatal("front job should run")
	}

	o.mustHandle(t, cmdCancel{b.Metadata()})
	o.mustHandle(t, cmdRemove{Metadata{ID: "missing"}})
	o.mustHandle(t, cmdRearrange{0, 1})

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"c", "a"}) {
		t.Fatalf("unexpected queue %v", ids)
	}

	if o.current == nil || o.current.agent != c {
		t.Fatal("new front job should run")
	}

	if calls := b.calls(); calls[len(calls)-1] != "cancelled" {
		t.Errorf("cancelled job should get its hook, got %v", calls)
	}

	if b.startCount() != 0 {
		t.Error("a job that never reached the front must not start")
	}

	close(c.release)
	job := o.current
	job.Wait()

	o.mustHandle(t, cmdCompleted{job})

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"a"}) {
		t.Fatalf("unexpected queue %v", ids)
	}

	if c.Status() != Completed {
		t.Errorf("expected completed status, got %s", c.Status())
	}
}

func TestRearrangeNoop(t *testing.T) {

	o := newTestOrchestrator(t)
	agents := []*fakeAgent{newFakeAgent("a"), newFakeAgent("b"), newFakeAgent("c")}

	for _, a := range agents {
		o.mustHandle(t, cmdEnqueue{agent: a})
	}

	running := o.current
	before := len(o.emitter.Events())

	for _, cmd := range []cmdRearrange{{0, 0}, {1, 1}, {2, 2}, {-1, 0}, {0, 3}, {5, 1}} {
		o.mustHandle(t, cmd)
	}

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("queue changed: %v", ids)
	}

	if o.current != running || agents[0].ControlFlag().Stopped() {
		t.Error("no-op rearrange must not pause the running job")
	}

	if n := agents[0].startCount(); n > 1 {
		t.Errorf("expected a single start, got %d", n)
	}

	if after := len(o.emitter.Events()); after != before {
		t.Errorf("no-op rearrange emitted %d events", after-before)
	}

	// Moving behind the front does not touch the running job either.
	o.mustHandle(t, cmdRearrange{2, 1})

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"a", "c", "b"}) {
		t.Errorf("unexpected queue %v", ids)
	}

	if o.current != running {
		t.Error("running job should be untouched")
	}
}

func TestStaleSignals(t *testing.T) {

	o := newTestOrchestrator(t)
	a, b := newFakeAgent("a"), newFakeAgent("b")

	o.mustHandle(t, cmdEnqueue{agent: a})
	o.mustHandle(t, cmdEnqueue{agent: b})

	stale := &jobRunner{agent: b}

	o.mustHandle(t, cmdCompleted{stale})
	o.mustHandle(t, cmdError{stale, errors.New("boom")})
	o.mustHandle(t, cmdExited{stale})

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("stale signals changed the queue: %v", ids)
	}

	if o.current == nil || o.current.agent != a {
		t.Error("front job should still run")
	}

	if o.lastErr != nil {
		t.Errorf("stale error was recorded: %v", o.lastErr)
	}
}

func TestErrorMovesOn(t *testing.T) {

	o := newTestOrchestrator(t)
	a, b := newFakeAgent("a"), newFakeAgent("b")

	o.mustHandle(t, cmdEnqueue{agent: a})
	o.mustHandle(t, cmdEnqueue{agent: b})

	failure := errors.Annotate(ErrChecksum, "chunk game.bin#1")

	o.mustHandle(t, cmdError{o.current, failure})

	if ids := queueIDs(o); !reflect.DeepEqual(ids, []string{"b"}) {
		t.Fatalf("unexpected queue %v", ids)
	}

	if a.Status() != Errored {
		t.Errorf("expected error status, got %s", a.Status())
	}

	if s := o.status(); s.State != ManagerError || s.Err != failure {
		t.Errorf("unexpected manager status %+v", s)
	}

	if o.current == nil || o.current.agent != b {
		t.Error("next job should start")
	}

	var found bool

	for len(o.emitter.Events()) > 0 {
		if ev, ok := (<-o.emitter.Events()).(ErrorEvent); ok {
			found = ev.Metadata == a.Metadata() && ev.Kind == KindChecksum
		}
	}

	if !found {
		t.Error("expected an error event with checksum kind")
	}
}

func TestPauseAndResume(t *testing.T) {

	o := newTestOrchestrator(t)
	a := newFakeAgent("a")

	o.mustHandle(t, cmdEnqueue{agent: a})
	o.mustHandle(t, cmdPause{})

	if !a.ControlFlag().Stopped() || o.status().State != ManagerPaused {
		t.Fatal("pause should stop the flag")
	}

	job := o.current

	if err := job.Wait(); err != nil {
		t.Fatal(err)
	}

	o.mustHandle(t, cmdExited{job})

	if o.current != nil {
		t.Fatal("paused job should not be restarted")
	}

	if a.Status() != Paused {
		t.Errorf("expected paused status, got %s", a.Status())
	}

	o.mustHandle(t, cmdResume{})

	if o.current == nil || a.ControlFlag().Stopped() {
		t.Fatal("resume should restart the front job")
	}

	close(a.release)

	job = o.current
	job.Wait()
	o.mustHandle(t, cmdCompleted{job})

	if o.queue.Len() != 0 || o.status().State != ManagerEmpty {
		t.Errorf("expected an empty queue, got %v", queueIDs(o))
	}
}

func TestRepairValidatesFirst(t *testing.T) {

	o := newTestOrchestrator(t)
	a := newFakeAgent("a")

	o.mustHandle(t, cmdEnqueue{agent: a, repair: true})

	close(a.release)

	job := o.current
	job.Wait()

	calls := a.calls()

	if len(calls) < 3 || calls[1] != "validate" || calls[2] != "download" {
		t.Errorf("expected validate then download, got %v", calls)
	}

	o.mustHandle(t, cmdCompleted{job})
}

func TestJobRunnerStops(t *testing.T) {

	a := newFakeAgent("a")
	reports := make(chan command, 1)

	job := startJob(a, false, func(cmd command) { reports <- cmd })

	a.ControlFlag().Set(Stop)

	if err := worker.Stop(job); err != nil {
		t.Fatal(err)
	}

	if _, ok := (<-reports).(cmdExited); !ok {
		t.Error("a stopped job should report an exit")
	}
}
