package gotq

import (
	"reflect"
	"testing"

	"github.com/juju/errors"
)

func TestQueue(t *testing.T) {

	q := NewQueue()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := q.Push(newFakeAgent(id), id == "c"); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.Push(newFakeAgent("b"), false); !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}

	ids := func() (ids []string) {
		for _, meta := range q.Items() {
			ids = append(ids, meta.ID)
		}
		return ids
	}

	tests := []struct {
		from, to int
		moved    bool
		expected []string
	}{
		{0, 0, false, []string{"a", "b", "c", "d"}},
		{1, 4, false, []string{"a", "b", "c", "d"}},
		{-1, 2, false, []string{"a", "b", "c", "d"}},
		{0, 2, true, []string{"b", "c", "a", "d"}},
		{3, 0, true, []string{"d", "b", "c", "a"}},
		{1, 2, true, []string{"d", "c", "b", "a"}},
	}

	for _, test := range tests {

		if moved := q.Move(test.from, test.to); moved != test.moved {
			t.Errorf("move %d -> %d: expected %v, got %v", test.from, test.to, test.moved, moved)
		}

		if got := ids(); !reflect.DeepEqual(got, test.expected) {
			t.Errorf("move %d -> %d: expected %v, got %v", test.from, test.to, test.expected, got)
		}

		if err := q.Check(); err != nil {
			t.Fatal(err)
		}
	}

	front, ok := q.Front()

	if !ok || front.Metadata().ID != "d" {
		t.Errorf("unexpected front %v", front)
	}

	meta := Metadata{ID: "c", Version: "1"}

	if !q.Repair(meta) || q.Repair(Metadata{ID: "a", Version: "1"}) {
		t.Error("repair flag should follow the job")
	}

	if _, ok := q.Remove(meta); !ok {
		t.Fatal("c should be removed")
	}

	if _, ok := q.Remove(meta); ok {
		t.Error("second remove should report false")
	}

	if q.ContainsID("c") || q.Len() != 3 {
		t.Errorf("unexpected queue %v", ids())
	}

	if err := q.Check(); err != nil {
		t.Fatal(err)
	}

	// Break the registry behind the queue's back.
	delete(q.registry, Metadata{ID: "a", Version: "1"})

	if err := q.Check(); err == nil {
		t.Error("check should notice a missing registry entry")
	}
}
