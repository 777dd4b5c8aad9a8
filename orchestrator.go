package gotq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("gotq.orchestrator")

type (
	command interface{}

	cmdEnqueue struct {
		agent  Agent
		repair bool
	}

	cmdResume struct{}

	cmdPause struct{}

	cmdCompleted struct{ job *jobRunner }

	cmdExited struct{ job *jobRunner }

	cmdError struct {
		job *jobRunner
		err error
	}

	cmdCancel struct{ meta Metadata }

	cmdRemove struct{ meta Metadata }

	cmdRearrange struct{ from, to int }

	cmdUpdate struct{}

	cmdSnapshot struct{ reply chan QueueUpdate }

	cmdFinish struct{}
)

// inbox is an unbounded FIFO of commands. Pushing never blocks.
type inbox struct {
	mu       sync.Mutex
	commands []command
	ready    chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (i *inbox) push(cmd command) {

	i.mu.Lock()
	i.commands = append(i.commands, cmd)
	i.mu.Unlock()

	select {
	case i.ready <- struct{}{}:
	default:
	}
}

func (i *inbox) drain() []command {
	i.mu.Lock()
	defer i.mu.Unlock()
	commands := i.commands
	i.commands = nil
	return commands
}

// Config configures an Orchestrator.
type Config struct {
	// Emitter receives queue, stats and error events. Agents enqueued
	// have their stats redirected to it.
	Emitter *Emitter
}

// Orchestrator owns the job queue and runs its front job, one at a time.
// Every method only posts a command, the loop applies them in order.
type Orchestrator struct {
	tomb    tomb.Tomb
	emitter *Emitter
	inbox   *inbox

	updatePending atomic.Bool

	// Owned by the loop.
	queue    *Queue
	current  *jobRunner
	paused   bool
	lastErr  error
	finished bool
}

// NewOrchestrator starts an orchestrator loop.
func NewOrchestrator(cfg Config) *Orchestrator {

	if cfg.Emitter == nil {
		cfg.Emitter = NewEmitter(0)
	}

	o := &Orchestrator{
		emitter: cfg.Emitter,
		inbox:   newInbox(),
		queue:   NewQueue(),
	}

	o.tomb.Go(o.loop)

	return o
}

var _ worker.Worker = (*Orchestrator)(nil)

// Kill implements the worker.Worker interface.
func (o *Orchestrator) Kill() {
	o.tomb.Kill(nil)
}

// Wait implements the worker.Worker interface.
func (o *Orchestrator) Wait() error {
	return o.tomb.Wait()
}

// Events returns the event channel.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Enqueue appends a job and starts it when nothing else runs.
func (o *Orchestrator) Enqueue(agent Agent) {
	o.inbox.push(cmdEnqueue{agent: agent})
}

// Validate enqueues a job in repair mode: what is on disk is checked first
// and only what fails is downloaded.
func (o *Orchestrator) Validate(agent Agent) {
	o.inbox.push(cmdEnqueue{agent: agent, repair: true})
}

// Pause stops the running job, it stays at the front of the queue.
func (o *Orchestrator) Pause() {
	o.inbox.push(cmdPause{})
}

// Resume starts the front job again.
func (o *Orchestrator) Resume() {
	o.inbox.push(cmdResume{})
}

// Cancel drops a job, keeping what it downloaded for later.
func (o *Orchestrator) Cancel(meta Metadata) {
	o.inbox.push(cmdCancel{meta})
}

// Remove drops a job and keeps the queue moving.
func (o *Orchestrator) Remove(meta Metadata) {
	o.inbox.push(cmdRemove{meta})
}

// Rearrange moves the job at index from to index to.
func (o *Orchestrator) Rearrange(from, to int) {
	o.inbox.push(cmdRearrange{from, to})
}

// Finish stops the running job, waits for it and ends the loop.
func (o *Orchestrator) Finish() error {
	o.inbox.push(cmdFinish{})
	return o.tomb.Wait()
}

// Snapshot returns the queue as seen by the loop once every command posted
// before it was applied.
func (o *Orchestrator) Snapshot(ctx context.Context) (QueueUpdate, error) {

	reply := make(chan QueueUpdate, 1)
	o.inbox.push(cmdSnapshot{reply})

	select {
	case u := <-reply:
		return u, nil
	case <-o.tomb.Dead():
		return QueueUpdate{}, errors.New("orchestrator stopped")
	case <-ctx.Done():
		return QueueUpdate{}, errors.Trace(ctx.Err())
	}
}

// requestUpdate is handed to every job's progress, it coalesces queue
// updates so workers never flood the inbox.
func (o *Orchestrator) requestUpdate() {
	if o.updatePending.CompareAndSwap(false, true) {
		o.inbox.push(cmdUpdate{})
	}
}

func (o *Orchestrator) loop() error {

	for {
		select {
		case <-o.tomb.Dying():
			o.stopCurrent()
			return tomb.ErrDying

		case <-o.inbox.ready:
			for _, cmd := range o.inbox.drain() {

				if o.handle(cmd) {
					return nil
				}

				if err := o.queue.Check(); err != nil {
					logger.Criticalf("after %T: %v", cmd, err)
				}
			}
		}
	}
}

// handle applies one command and reports whether the loop must end.
func (o *Orchestrator) handle(cmd command) bool {

	switch cmd := cmd.(type) {
	case cmdEnqueue:
		o.enqueue(cmd.agent, cmd.repair)

	case cmdResume:
		o.paused = false
		o.lastErr = nil
		o.dispatch()

	case cmdPause:
		o.pause()

	case cmdCompleted:
		o.completed(cmd.job)

	case cmdExited:
		o.exited(cmd.job)

	case cmdError:
		o.failed(cmd.job, cmd.err)

	case cmdCancel:
		o.cancel(cmd.meta)

	case cmdRemove:
		o.cancel(cmd.meta)
		o.paused = false
		o.dispatch()

	case cmdRearrange:
		o.rearrange(cmd.from, cmd.to)

	case cmdUpdate:
		o.updatePending.Store(false)
		o.emitQueue()

	case cmdSnapshot:
		cmd.reply <- o.snapshot()

	case cmdFinish:
		o.stopCurrent()
		o.finished = true
		o.emitQueue()
		logger.Infof("finished with %d jobs left in queue", o.queue.Len())
		return true

	default:
		logger.Errorf("unknown command %T", cmd)
	}

	return false
}

func (o *Orchestrator) enqueue(agent Agent, repair bool) {

	meta := agent.Metadata()

	if err := o.queue.Push(agent, repair); err != nil {
		logger.Warningf("rejecting %s: %v", meta, err)
		return
	}

	agent.Progress().OnUpdate(o.requestUpdate)
	agent.Progress().SetEmitter(o.emitter)
	agent.OnInitialised()

	logger.Debugf("queued %s at position %d", meta, o.queue.Len()-1)

	if o.finished {
		return
	}

	o.emitQueue()
	o.dispatch()
}

// dispatch starts the front job unless it already runs or the queue is
// paused.
func (o *Orchestrator) dispatch() {

	front, ok := o.queue.Front()

	if !ok || o.paused || o.finished {
		o.emitQueue()
		return
	}

	if o.current != nil {

		if o.current.agent == front {
			front.ControlFlag().Set(Go)
			front.SetStatus(Downloading)
			o.emitQueue()
			return
		}

		o.stopCurrent()
	}

	front.ControlFlag().Set(Go)
	front.SetStatus(Downloading)

	o.current = startJob(front, o.queue.Repair(front.Metadata()), o.inbox.push)

	logger.Infof("started %s", front.Metadata())

	o.emitQueue()
}

func (o *Orchestrator) pause() {

	o.paused = true

	if o.current != nil {
		o.current.agent.ControlFlag().Set(Stop)
		o.current.agent.SetStatus(Paused)
		logger.Debugf("pausing %s", o.current.agent.Metadata())
	}

	o.emitQueue()
}

// stopCurrent stops the running job and waits for it.
func (o *Orchestrator) stopCurrent() {

	job := o.current

	if job == nil {
		return
	}

	o.current = nil

	job.agent.ControlFlag().Set(Stop)

	if err := worker.Stop(job); err != nil {
		logger.Warningf("stopping %s: %v", job.agent.Metadata(), err)
	}

	job.agent.OnIncomplete()
}

func (o *Orchestrator) completed(job *jobRunner) {

	if job != o.current {
		logger.Debugf("ignoring stale completion of %s", job.agent.Metadata())
		return
	}

	o.current = nil
	_ = job.Wait()

	meta := job.agent.Metadata()

	o.queue.Remove(meta)
	job.agent.OnComplete()

	logger.Infof("completed %s", meta)

	o.dispatch()
}

func (o *Orchestrator) exited(job *jobRunner) {

	if job != o.current {
		logger.Debugf("ignoring stale exit of %s", job.agent.Metadata())
		return
	}

	o.current = nil
	_ = job.Wait()

	job.agent.OnIncomplete()

	logger.Debugf("%s exited without completing", job.agent.Metadata())

	o.dispatch()
}

func (o *Orchestrator) failed(job *jobRunner, err error) {

	if job != o.current {
		logger.Debugf("ignoring stale error of %s: %v", job.agent.Metadata(), err)
		return
	}

	o.current = nil
	job.agent.ControlFlag().Set(Stop)
	_ = worker.Stop(job)

	meta := job.agent.Metadata()

	o.queue.Remove(meta)
	job.agent.OnError(err)

	o.lastErr = err

	logger.Errorf("%s failed: %v", meta, err)

	o.emitter.Emit(ErrorEvent{
		Metadata: meta,
		Kind:     KindOf(err),
		Message:  err.Error(),
	})

	o.dispatch()
}

func (o *Orchestrator) cancel(meta Metadata) {

	agent, ok := o.queue.Get(meta)

	if !ok {
		logger.Debugf("cancel: %s is not queued", meta)
		return
	}

	if o.current != nil && o.current.agent == agent {

		job := o.current
		o.current = nil

		agent.ControlFlag().Set(Stop)

		if err := worker.Stop(job); err != nil {
			logger.Warningf("stopping %s: %v", meta, err)
		}
	}

	agent.OnCancelled()
	o.queue.Remove(meta)

	logger.Infof("cancelled %s", meta)

	o.dispatch()
}

func (o *Orchestrator) rearrange(from, to int) {

	n := o.queue.Len()

	if from == to || from < 0 || to < 0 || from >= n || to >= n {
		logger.Debugf("rearrange %d -> %d: nothing to do", from, to)
		return
	}

	// The front job runs, it has to stop before it leaves the front.
	front := from == 0 || to == 0

	if front {
		o.stopCurrent()
	}

	o.queue.Move(from, to)

	if front {
		o.dispatch()
		return
	}

	o.emitQueue()
}

// status derives the manager state. A job error sticks while the next jobs
// run and is only cleared by Resume.
func (o *Orchestrator) status() ManagerStatus {

	switch {
	case o.finished:
		return ManagerStatus{State: ManagerFinished}
	case o.lastErr != nil:
		return ManagerStatus{State: ManagerError, Err: o.lastErr}
	case o.queue.Len() == 0:
		return ManagerStatus{State: ManagerEmpty}
	case o.paused:
		return ManagerStatus{State: ManagerPaused}
	}

	return ManagerStatus{State: ManagerDownloading}
}

func (o *Orchestrator) snapshot() QueueUpdate {

	agents := o.queue.Agents()
	items := make([]QueueItem, 0, len(agents))

	for _, agent := range agents {

		p := agent.Progress()

		items = append(items, QueueItem{
			Metadata: agent.Metadata(),
			Status:   agent.Status(),
			Progress: p.Fraction(),
			Current:  p.Sum(),
			Max:      p.Max(),
		})
	}

	return QueueUpdate{Queue: items, Status: o.status()}
}

func (o *Orchestrator) emitQueue() {
	o.emitter.Emit(o.snapshot())
}

// jobRunner drives one agent on its own goroutine and reports the outcome
// back to the orchestrator inbox.
type jobRunner struct {
	tomb   tomb.Tomb
	agent  Agent
	repair bool
	report func(command)
}

func startJob(agent Agent, repair bool, report func(command)) *jobRunner {

	j := &jobRunner{
		agent:  agent,
		repair: repair,
		report: report,
	}

	j.tomb.Go(j.loop)

	return j
}

// Kill implements the worker.Worker interface.
func (j *jobRunner) Kill() {
	j.tomb.Kill(nil)
}

// Wait implements the worker.Worker interface.
func (j *jobRunner) Wait() error {
	return j.tomb.Wait()
}

func (j *jobRunner) loop() error {

	ctx := j.tomb.Context(context.Background())

	completed, err := j.run(ctx)

	switch {
	case err != nil:
		j.report(cmdError{job: j, err: err})
	case completed:
		j.report(cmdCompleted{job: j})
	default:
		j.report(cmdExited{job: j})
	}

	return nil
}

func (j *jobRunner) run(ctx context.Context) (bool, error) {

	if j.repair {

		valid, err := j.agent.Validate(ctx)

		if err != nil || valid {
			return valid, err
		}

		if j.agent.ControlFlag().Stopped() {
			return false, nil
		}

		j.agent.SetStatus(Downloading)
	}

	return j.agent.Download(ctx)
}
