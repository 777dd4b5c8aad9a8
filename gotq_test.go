package gotq_test

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/melbahja/gotq"
)

// NewHttptestServer serves plain files for the URL agent.
func NewHttptestServer() *httptest.Server {

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		switch r.URL.String() {

		case "/ok_file":
			http.ServeFile(w, r, "go.mod")
			return

		case "/no_range":
			// Not a ServeContent, so no Range support.
			fmt.Fprint(w, "helloworld")
			return

		case "/file_name":
			w.Header().Set("Content-Disposition", `attachment; filename="go.mod"`)
			http.ServeFile(w, r, "go.mod")
			return

		case "/bad_range_length":
			if rg := r.Header.Get("Range"); rg != "" && rg != "bytes=0-0" {
				w.Header().Set("Content-Length", "1")
				w.WriteHeader(http.StatusPartialContent)
				w.Write([]byte("x"))
				return
			}
			http.ServeFile(w, r, "go.mod")
			return

		case "/header_values":
			if r.Header.Get("x-test-header") == "foobar" {
				http.ServeFile(w, r, "go.mod")
				return
			}

			w.WriteHeader(403)
			return

		case "/chunked":
			// Flushing before the end drops Content-Length.
			w.Write(make([]byte, 2048))
			w.(http.Flusher).Flush()
			w.Write(make([]byte, 2048))
			return

		case "/not_found":
		}

		w.WriteHeader(http.StatusNotFound)
	}))
}

// contentServer fakes the manifest and chunk endpoints for a set of files
// cut into fixed size chunks.
type contentServer struct {
	*httptest.Server

	chunkLen int
	files    map[string][]byte
	manifest gotq.Manifest

	mu       sync.Mutex
	requests map[string]int
	served   int64

	// Chunks named "file#idx" in corrupt answer with garbage, in short
	// with a Content-Length one byte shy of the manifest.
	corrupt map[string]bool
	short   map[string]bool

	// gate, when set, holds chunk requests until it is closed. Only the
	// chunks in gated are held, or all of them when gated is empty.
	gate  chan struct{}
	gated map[string]bool

	manifestStatus int
}

func newContentServer(t *testing.T, chunkLen int, files map[string]string) *contentServer {

	s := &contentServer{
		chunkLen: chunkLen,
		files:    make(map[string][]byte),
		manifest: make(gotq.Manifest),
		requests: make(map[string]int),
		corrupt:  make(map[string]bool),
		short:    make(map[string]bool),
		gated:    make(map[string]bool),
	}

	for name, content := range files {

		data := []byte(content)
		group := gotq.ChunkGroup{Permissions: 0o640, VersionName: "v1"}

		for i, off := 0, 0; off < len(data); i, off = i+1, off+chunkLen {

			end := min(off+chunkLen, len(data))
			sum := md5.Sum(data[off:end])

			group.IDs = append(group.IDs, fmt.Sprintf("%s-%d", name, i))
			group.Checksums = append(group.Checksums, hex.EncodeToString(sum[:]))
			group.Lengths = append(group.Lengths, uint64(end-off))
		}

		s.files[name] = data
		s.manifest[name] = group
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)

	return s
}

func (s *contentServer) handle(w http.ResponseWriter, r *http.Request) {

	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {

	case "/api/v1/client/game/manifest":

		s.mu.Lock()
		status := s.manifestStatus
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, "no manifest for you")
			return
		}

		json.NewEncoder(w).Encode(s.manifest)
		return

	case "/api/v1/client/chunk":

		name := r.URL.Query().Get("name")
		idx, _ := strconv.Atoi(r.URL.Query().Get("chunk"))
		key := fmt.Sprintf("%s#%d", name, idx)

		s.mu.Lock()
		s.requests[key]++
		gate, corrupt, short := s.gate, s.corrupt[key], s.short[key]
		held := len(s.gated) == 0 || s.gated[key]
		s.mu.Unlock()

		if gate != nil && held {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		data, ok := s.files[name]

		if !ok || idx*s.chunkLen >= len(data) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		chunk := append([]byte(nil), data[idx*s.chunkLen:min((idx+1)*s.chunkLen, len(data))]...)

		if corrupt {
			for i := range chunk {
				chunk[i] ^= 0xff
			}
		}

		if short {
			chunk = chunk[:len(chunk)-1]
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
		n, _ := w.Write(chunk)

		s.mu.Lock()
		s.served += int64(n)
		s.mu.Unlock()

		return
	}

	w.WriteHeader(http.StatusNotFound)
}

// remote returns a Remote with its own transport, closed with the test so
// no keep-alive goroutine outlives it.
func (s *contentServer) remote(t *testing.T) *gotq.Remote {

	remote, err := gotq.NewRemote(s.URL, gotq.BearerToken("secret"))

	if err != nil {
		t.Fatal(err)
	}

	transport := &http.Transport{DisableCompression: true}
	t.Cleanup(transport.CloseIdleConnections)

	remote.Client = &http.Client{Transport: transport}

	return remote
}

func (s *contentServer) requested(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

func (s *contentServer) totalRequests() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.requests {
		n += c
	}
	return n
}

func (s *contentServer) bytesServed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func (s *contentServer) set(fn func(s *contentServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *contentServer) checksum(name string, idx int) string {
	return s.manifest[name].Checksums[idx]
}

// newAgent returns a content agent writing into a fresh directory with
// plenty of free space.
func (s *contentServer) newAgent(t *testing.T, dir string, id string) *gotq.ContentAgent {

	agent, err := gotq.NewContentAgent(gotq.ContentConfig{
		Metadata: gotq.Metadata{ID: id, Version: "v1", Kind: gotq.Content},
		Remote:   s.remote(t),
		Dir:      dir,
		Settings: gotq.Threads(2),
		Retry:    gotq.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
		FreeSpace: func(string) (uint64, error) {
			return 1 << 40, nil
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	return agent
}

// waitFor polls cond until it holds or fails the test.
func waitFor(t *testing.T, what string, cond func() bool) {

	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for !cond() {

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func readFile(t *testing.T, dir, name string) string {

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))

	if err != nil {
		t.Fatal(err)
	}

	return string(data)
}

// sample is three chunks of 8 bytes in one file plus a small second file.
var sample = map[string]string{
	"game.bin":        strings.Repeat("a", 8) + strings.Repeat("b", 8) + strings.Repeat("c", 8),
	"data/readme.txt": "hello gotq",
}
