package gotq

import (
	"github.com/juju/errors"
)

// Queue is the ordered list of jobs together with the registry of their
// agents. Both sides are only ever changed together. A Queue is not safe
// for concurrent use, the orchestrator loop owns it.
type Queue struct {
	order    []Metadata
	registry map[Metadata]*entry
}

type entry struct {
	agent  Agent
	repair bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{registry: make(map[Metadata]*entry)}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.order)
}

// Items returns the queued jobs in order.
func (q *Queue) Items() []Metadata {
	return append([]Metadata(nil), q.order...)
}

// Agents returns the queued agents in order.
func (q *Queue) Agents() []Agent {

	agents := make([]Agent, 0, len(q.order))

	for _, meta := range q.order {
		agents = append(agents, q.registry[meta].agent)
	}

	return agents
}

// Front returns the job at the head of the queue.
func (q *Queue) Front() (Agent, bool) {

	if len(q.order) == 0 {
		return nil, false
	}

	return q.registry[q.order[0]].agent, true
}

// Get returns the agent registered for meta.
func (q *Queue) Get(meta Metadata) (Agent, bool) {

	e, ok := q.registry[meta]

	if !ok {
		return nil, false
	}

	return e.agent, true
}

// ContainsID reports whether a job with id is queued, whatever its version
// or kind.
func (q *Queue) ContainsID(id string) bool {

	for _, meta := range q.order {
		if meta.ID == id {
			return true
		}
	}

	return false
}

// Push appends agent to the queue.
func (q *Queue) Push(agent Agent, repair bool) error {

	meta := agent.Metadata()

	if q.ContainsID(meta.ID) {
		return errors.AlreadyExistsf("job %s", meta.ID)
	}

	q.order = append(q.order, meta)
	q.registry[meta] = &entry{agent: agent, repair: repair}

	return nil
}

// Remove drops meta from the queue and the registry.
func (q *Queue) Remove(meta Metadata) (Agent, bool) {

	e, ok := q.registry[meta]

	if !ok {
		return nil, false
	}

	delete(q.registry, meta)

	for i, m := range q.order {
		if m == meta {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}

	return e.agent, true
}

// Move moves the job at index from to index to. It reports false, leaving
// the queue alone, when the move is a no-op or out of range.
func (q *Queue) Move(from, to int) bool {

	n := len(q.order)

	if from == to || from < 0 || to < 0 || from >= n || to >= n {
		return false
	}

	meta := q.order[from]

	q.order = append(q.order[:from], q.order[from+1:]...)
	q.order = append(q.order[:to], append([]Metadata{meta}, q.order[to:]...)...)

	return true
}

// Repair reports whether meta was queued in repair mode.
func (q *Queue) Repair(meta Metadata) bool {

	if e, ok := q.registry[meta]; ok {
		return e.repair
	}

	return false
}

// Check verifies that the registry holds exactly the queued jobs.
func (q *Queue) Check() error {

	if len(q.order) != len(q.registry) {
		return errors.Errorf("queue has %d jobs, registry %d", len(q.order), len(q.registry))
	}

	for _, meta := range q.order {
		if _, ok := q.registry[meta]; !ok {
			return errors.Errorf("job %s queued but not registered", meta)
		}
	}

	return nil
}
