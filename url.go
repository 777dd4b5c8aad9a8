package gotq

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

type (
	// Info holds downloadable file info.
	Info struct {
		Size      uint64
		Rangeable bool
	}

	// URLConfig configures a URLAgent.
	URLConfig struct {
		Metadata Metadata

		URL string

		// Dir and Dest name the output file. When Dest is empty the name
		// comes from Content-Disposition or the URL.
		Dir, Dest string

		Client *http.Client

		Header []Header

		// Split file chunk by size in bytes, zero picks a size from the
		// file size and the thread count.
		ChunkSize, MinChunkSize, MaxChunkSize uint64

		Settings Settings

		Retry RetryPolicy

		Clock clock.Clock

		Emitter *Emitter

		StatsInterval time.Duration

		Metrics *Collector
	}

	// URLAgent downloads a single URL. It has no checksums to resume from,
	// so an interrupted job starts over.
	URLAgent struct {
		agentBase

		url    string
		dir    string
		dest   string
		client *http.Client
		header []Header

		chunkSize, minChunkSize, maxChunkSize uint64

		mu         sync.Mutex
		path       string
		unsafeName string
		info       *Info
		chunks     []Chunk
	}
)

// NewURLAgent returns an agent for cfg.URL. Metadata defaults to a Tool
// job named after the URL.
func NewURLAgent(cfg URLConfig) (*URLAgent, error) {

	if cfg.URL == "" {
		return nil, errors.NotValidf("empty url")
	}

	if cfg.Metadata.ID == "" {
		cfg.Metadata = Metadata{ID: cfg.URL, Kind: Tool}
	}

	if cfg.Client == nil {
		cfg.Client = DefaultClient
	}

	a := &URLAgent{
		agentBase:    newAgentBase(cfg.Metadata, cfg.Clock, cfg.Emitter, cfg.StatsInterval),
		url:          cfg.URL,
		dir:          cfg.Dir,
		dest:         cfg.Dest,
		client:       cfg.Client,
		header:       cfg.Header,
		chunkSize:    cfg.ChunkSize,
		minChunkSize: cfg.MinChunkSize,
		maxChunkSize: cfg.MaxChunkSize,
	}

	a.metrics = cfg.Metrics
	a.retry = cfg.Retry.withDefaults()
	a.settings = cfg.Settings

	return a, nil
}

// Download implements Agent.
func (a *URLAgent) Download(ctx context.Context) (bool, error) {

	if err := a.lock(); err != nil {
		return false, err
	}
	defer a.unlock()

	if a.flag.Stopped() {
		return false, nil
	}

	a.SetStatus(Downloading)
	a.metrics.jobStarted()

	completed, err := a.download(ctx)

	switch {
	case err != nil:
		a.metrics.jobDone("error")
	case completed:
		a.metrics.jobDone("complete")
	default:
		a.metrics.jobDone("incomplete")
	}

	return completed, err
}

func (a *URLAgent) download(ctx context.Context) (bool, error) {

	info, completed, err := a.getInfoOrDownload(ctx)

	if err != nil || !info.Rangeable {
		return completed, err
	}

	chunks := a.split(info.Size)

	a.progress.SetSize(len(chunks))
	a.progress.SetMax(info.Size)
	a.progress.Reset()

	if err := os.MkdirAll(filepath.Dir(a.Path()), 0o755); err != nil {
		return false, ioError(errors.Trace(err))
	}

	file, err := os.OpenFile(a.Path(), os.O_CREATE|os.O_RDWR, 0o644)

	if err != nil {
		return false, ioError(errors.Trace(err))
	}

	defer file.Close()

	// Allocate the file completely so that we can write concurrently.
	if err := file.Truncate(int64(info.Size)); err != nil {
		return false, ioError(errors.Trace(err))
	}

	results := make([]bool, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.threads())

	for i, c := range chunks {

		i, c := i, c
		handle := a.progress.Handle(i)

		g.Go(func() error {

			ok, err := a.retry.do(gctx, a.clock, a.notifyRetry("range "+c.Range()), func() (bool, error) {

				ok, err := a.downloadRange(gctx, c, file, handle)

				if err != nil || !ok {
					handle.Set(0)
				}

				return ok, err
			})

			if err != nil {
				return errors.Annotatef(err, "%s: range %s", a.meta, c.Range())
			}

			results[i] = ok

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, err
	}

	for _, ok := range results {
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// getInfoOrDownload downloads the first byte of the file using a range request. If the
// server supports range requests the length is taken from Content-Range,
// otherwise the whole body is streamed to the output in one go.
func (a *URLAgent) getInfoOrDownload(ctx context.Context) (*Info, bool, error) {

	req, err := NewRequest(ctx, http.MethodGet, a.url, a.headers(Header{"Range", "bytes=0-0"}))

	if err != nil {
		return nil, false, errors.Trace(err)
	}

	res, err := a.client.Do(req)

	if err != nil {
		return nil, false, communicationError(errors.Trace(err))
	}

	defer res.Body.Close()

	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, false, communicationError(&StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	a.mu.Lock()
	a.unsafeName = res.Header.Get("Content-Disposition")
	a.mu.Unlock()

	// If content-range exists, partial content is supported.
	if cr := res.Header.Get("Content-Range"); cr != "" && res.ContentLength == 1 {

		if l := strings.Split(cr, "/"); len(l) == 2 {
			if length, err := strconv.ParseUint(l[1], 10, 64); err == nil {

				info := &Info{Size: length, Rangeable: true}

				a.mu.Lock()
				a.info = info
				a.mu.Unlock()

				return info, false, nil
			}
		}

		return nil, false, communicationError(errors.Errorf("response includes an invalid Content-Range: %s", cr))
	}

	info := &Info{}

	if res.ContentLength > 0 {
		info.Size = uint64(res.ContentLength)
	}

	a.mu.Lock()
	a.info = info
	a.mu.Unlock()

	a.progress.SetSize(1)
	a.progress.SetMax(info.Size)
	a.progress.Reset()

	agentLogger.Debugf("%s: server does not support ranges, streaming %s", a.meta, humanize.IBytes(info.Size))

	completed, err := a.stream(ctx, res)

	if completed && info.Size == 0 {
		a.mu.Lock()
		info.Size = a.progress.Sum()
		a.mu.Unlock()
	}

	return info, completed, err
}

// stream writes a non rangeable response to the output file.
func (a *URLAgent) stream(ctx context.Context, res *http.Response) (bool, error) {

	path := a.Path()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, ioError(errors.Trace(err))
	}

	file, err := os.Create(path)

	if err != nil {
		return false, ioError(errors.Trace(err))
	}

	defer file.Close()

	out := bufio.NewWriterSize(file, writeBufferSize)
	handle := a.progress.Handle(0)

	if res.ContentLength < 0 {
		handle = a.progress.growingHandle(0)
	}

	completed, err := copyChunk(out, res.Body, res.ContentLength, a.flag, handle, communicationError)

	if ferr := out.Flush(); ferr != nil && err == nil {
		err = ioError(errors.Trace(ferr))
	}

	if err != nil && stopping(ctx, a.flag) {
		return false, nil
	}

	return completed, err
}

// downloadRange fetches one range into dest at the chunk offset.
func (a *URLAgent) downloadRange(ctx context.Context, c Chunk, dest io.WriterAt, handle *ProgressHandle) (bool, error) {

	if a.flag.Stopped() {
		return false, nil
	}

	req, err := NewRequest(ctx, http.MethodGet, a.url, a.headers(Header{"Range", c.Range()}))

	if err != nil {
		return false, errors.Trace(err)
	}

	res, err := a.client.Do(req)

	if err != nil {

		if stopping(ctx, a.flag) {
			return false, nil
		}

		return false, communicationError(errors.Trace(err))
	}

	defer res.Body.Close()

	// Verify the length.
	if res.ContentLength != int64(c.Len()) {
		return false, communicationError(errors.Annotatef(
			&ContentLengthError{Expected: c.Len(), Got: res.ContentLength},
			"range %s", c.Range(),
		))
	}

	out := bufio.NewWriterSize(&OffsetWriter{dest, int64(c.Start)}, writeBufferSize)

	completed, err := copyChunk(out, res.Body, res.ContentLength, a.flag, handle, communicationError)

	if ferr := out.Flush(); ferr != nil && err == nil {
		err = ioError(errors.Trace(ferr))
	}

	if err != nil && stopping(ctx, a.flag) {
		return false, nil
	}

	return completed, err
}

// headers returns a copy of the configured headers plus extra, requests
// built concurrently must not share a backing array.
func (a *URLAgent) headers(extra ...Header) []Header {
	return append(append(make([]Header, 0, len(a.header)+len(extra)), a.header...), extra...)
}

// split cuts size bytes into inclusive ranges.
func (a *URLAgent) split(size uint64) []Chunk {

	chunkSize := a.chunkSize

	if chunkSize == 0 {
		chunkSize = getDefaultChunkSize(size, a.minChunkSize, a.maxChunkSize, uint64(a.threads()))
	}

	var chunks []Chunk

	if chunkSize == 0 || size <= 1 {
		chunks = []Chunk{{Start: 0, End: max(size, 1) - 1}}
	} else {
		for start := uint64(0); start < size; start += chunkSize {
			chunks = append(chunks, Chunk{Start: start, End: min(start+chunkSize, size) - 1})
		}
	}

	a.mu.Lock()
	a.chunks = chunks
	a.mu.Unlock()

	return chunks
}

// Chunks returns the ranges of the last run.
func (a *URLAgent) Chunks() []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Chunk(nil), a.chunks...)
}

// Info returns what the first request learned, nil before the first run.
func (a *URLAgent) Info() *Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Path returns the output path, it does not change once the download
// starts.
func (a *URLAgent) Path() string {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.path == "" {

		a.path = GetFilename(a.url)

		if a.dest != "" {
			a.path = a.dest
		} else if a.unsafeName != "" {
			if name := getNameFromHeader(a.unsafeName); name != "" {
				a.path = name
			}
		}

		a.path = filepath.Join(a.dir, a.path)
	}

	return a.path
}

// Validate implements Agent. Without checksums the best it can do is
// compare the size on disk with the announced one.
func (a *URLAgent) Validate(ctx context.Context) (bool, error) {

	info := a.Info()

	if info == nil || info.Size == 0 {
		return false, nil
	}

	stat, err := os.Stat(a.Path())

	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, ioError(errors.Trace(err))
	}

	return uint64(stat.Size()) == info.Size, nil
}

func (a *URLAgent) OnInitialised() {
	a.SetStatus(Queued)
}

func (a *URLAgent) OnComplete() {
	a.SetStatus(Completed)
	agentLogger.Infof("%s: saved %s, %s", a.meta, a.Path(), humanize.IBytes(a.progress.Max()))
}

func (a *URLAgent) OnIncomplete() {
	a.SetStatus(Paused)
}

func (a *URLAgent) OnError(err error) {
	a.SetStatus(Errored)
}

// OnCancelled drops the partial output since it cannot be resumed.
func (a *URLAgent) OnCancelled() {

	a.SetStatus(Paused)

	a.mu.Lock()
	path := a.path
	a.mu.Unlock()

	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		agentLogger.Warningf("%s: removing partial %s: %v", a.meta, path, err)
	}
}

func getDefaultConcurrency() uint {

	c := uint(runtime.NumCPU() * 3)

	// Set default max concurrency to 20.
	if c > 20 {
		c = 20
	}

	// Set default min concurrency to 4.
	if c <= 2 {
		c = 4
	}

	return c
}

func getDefaultChunkSize(totalSize, min, max, concurrency uint64) uint64 {

	if concurrency == 0 {
		concurrency = uint64(getDefaultConcurrency())
	}

	cs := totalSize / concurrency

	// if chunk size >= 102400000 bytes set default to (ChunkSize / 2)
	if cs >= 102400000 {
		cs = cs / 2
	}

	// Set default min chunk size to 2m, or file size / 2
	if min == 0 {

		min = 2097152

		if min >= totalSize {
			min = totalSize / 2
		}
	}

	// if Chunk size < Min size set chunk size to min.
	if cs < min {
		cs = min
	}

	// Change ChunkSize if MaxChunkSize are set and ChunkSize > Max size
	if max > 0 && cs > max {
		cs = max
	}

	// When chunk size > total file size, divide chunk / 2
	if cs >= totalSize {
		cs = totalSize / 2
	}

	return cs
}
