package gotq

import (
	"testing"
)

func TestChunksLength(t *testing.T) {

	a := &URLAgent{
		agentBase:    agentBase{settings: Threads(4)},
		minChunkSize: 5242870,
	}

	chunks := a.split(10485760)

	if len(chunks) != 2 {
		t.Fatalf("expecting 2 chunks, got %d", len(chunks))
	}

	chunk0 := Chunk{
		Start: 0,
		End:   5242869,
	}

	// The last chunk ends on the last byte of the file.
	chunk1 := Chunk{
		Start: 5242870,
		End:   10485759,
	}

	if chunks[0] != chunk0 {
		t.Errorf("Chunk 0 expecting: %v but got: %v", chunk0, chunks[0])
	}

	if chunks[1] != chunk1 {
		t.Errorf("Chunk 1 expecting: %v but got: %v", chunk1, chunks[1])
	}

	if chunks[0].Range() != "bytes=0-5242869" || chunks[1].Len() != 5242890 {
		t.Errorf("unexpected range %s or length %d", chunks[0].Range(), chunks[1].Len())
	}
}

func TestSplitSmallFiles(t *testing.T) {

	a := &URLAgent{agentBase: agentBase{settings: Threads(4)}}

	if chunks := a.split(1); len(chunks) != 1 || chunks[0] != (Chunk{0, 0}) {
		t.Errorf("one byte should be one chunk, got %v", chunks)
	}

	if chunks := a.split(0); len(chunks) != 1 {
		t.Errorf("empty file should still request one chunk, got %v", chunks)
	}

	// A small file replaces the chunks of a previous, larger split.
	a.split(10)

	if chunks := a.split(1); len(a.Chunks()) != 1 || a.Chunks()[0] != chunks[0] {
		t.Errorf("expected %v on record, got %v", chunks, a.Chunks())
	}

	chunks := a.split(10)
	var total uint64

	for i, c := range chunks {

		if i > 0 && c.Start != chunks[i-1].End+1 {
			t.Errorf("chunk %d does not follow the previous one: %v", i, chunks)
		}

		total += c.Len()
	}

	if total != 10 {
		t.Errorf("chunks cover %d bytes, expecting 10", total)
	}
}

func TestDefaultChunkSize(t *testing.T) {

	tests := []struct {
		total, min, max, concurrency uint64
		expected                     uint64
	}{
		{100 << 20, 0, 0, 4, 25 << 20},
		{100 << 20, 0, 10 << 20, 4, 10 << 20},
		{100 << 20, 50 << 20, 0, 8, 50 << 20},
		{1 << 20, 0, 0, 4, 512 << 10},
		{1000 << 20, 0, 0, 4, 125 << 20},
	}

	for _, test := range tests {
		if got := getDefaultChunkSize(test.total, test.min, test.max, test.concurrency); got != test.expected {
			t.Errorf("%+v: expecting %d, got %d", test, test.expected, got)
		}
	}
}
