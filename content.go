package gotq

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

type (
	// ContentConfig configures a ContentAgent.
	ContentConfig struct {
		Metadata Metadata

		Remote *Remote

		// Dir receives the job's files and its resume record, usually
		// <install_dir>/<id>.
		Dir string

		Settings Settings

		Retry RetryPolicy

		// VerifyAfterDownload re-hashes every chunk on disk once all of
		// them were transferred.
		VerifyAfterDownload bool

		Clock clock.Clock

		Emitter *Emitter

		// StatsInterval is the minimum time between two stats updates.
		StatsInterval time.Duration

		Metrics *Collector

		// FreeSpace defaults to DiskFree.
		FreeSpace FreeSpaceFunc
	}

	// ContentAgent downloads a content package described by a server
	// manifest, chunk by chunk, and resumes from its resume record.
	ContentAgent struct {
		agentBase

		remote    *Remote
		dir       string
		verify    bool
		freeSpace FreeSpaceFunc
		store     *ResumeStore

		mu       sync.Mutex
		manifest Manifest
		contexts []DownloadContext
		verified []bool
	}
)

// chunk states collected by a validation pass.
const (
	unchecked int8 = iota
	valid
	invalid
)

// NewContentAgent returns an agent for cfg.Metadata. The resume record in
// cfg.Dir is read here, nothing is fetched yet.
func NewContentAgent(cfg ContentConfig) (*ContentAgent, error) {

	if cfg.Metadata.ID == "" {
		return nil, errors.NotValidf("empty job id")
	}

	if cfg.Remote == nil {
		return nil, errors.NotValidf("nil remote for %s", cfg.Metadata)
	}

	if cfg.Dir == "" {
		return nil, errors.NotValidf("empty output directory for %s", cfg.Metadata)
	}

	if cfg.FreeSpace == nil {
		cfg.FreeSpace = DiskFree
	}

	a := &ContentAgent{
		agentBase: newAgentBase(cfg.Metadata, cfg.Clock, cfg.Emitter, cfg.StatsInterval),
		remote:    cfg.Remote,
		dir:       cfg.Dir,
		verify:    cfg.VerifyAfterDownload,
		freeSpace: cfg.FreeSpace,
		store:     OpenResumeStore(cfg.Dir, cfg.Metadata),
	}

	a.metrics = cfg.Metrics
	a.retry = cfg.Retry.withDefaults()
	a.settings = cfg.Settings

	return a, nil
}

// Dir returns the output directory of the job.
func (a *ContentAgent) Dir() string {
	return a.dir
}

// ResumeStore returns the job's resume record.
func (a *ContentAgent) ResumeStore() *ResumeStore {
	return a.store
}

// EnsureManifest fetches the manifest once per agent.
func (a *ContentAgent) EnsureManifest(ctx context.Context) (Manifest, error) {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.manifest != nil {
		return a.manifest, nil
	}

	m, err := a.remote.Manifest(ctx, a.meta)

	if err != nil {
		return nil, errors.Trace(err)
	}

	agentLogger.Debugf("%s: manifest lists %d files, %s", a.meta, len(m), humanize.IBytes(m.TotalSize()))

	a.manifest = m

	return m, nil
}

// EnsureContexts generates the chunk contexts once and marks those the
// resume record already lists. Later calls return the same contexts.
func (a *ContentAgent) EnsureContexts() ([]DownloadContext, error) {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.contexts != nil {
		return a.contexts, nil
	}

	if a.manifest == nil {
		return nil, errors.NotFoundf("manifest of %s", a.meta)
	}

	contexts, err := a.manifest.Contexts(a.meta, a.dir)

	if err != nil {
		return nil, communicationError(errors.Trace(err))
	}

	verified := make([]bool, len(contexts))

	for i, dc := range contexts {
		verified[i] = a.store.IsVerified(dc.Checksum)
	}

	a.contexts = contexts
	a.verified = verified

	a.progress.SetSize(len(contexts))
	a.progress.SetMax(a.manifest.TotalSize())

	agentLogger.Debugf("%s: %d chunks, %d on record", a.meta, len(contexts), countTrue(verified))

	return contexts, nil
}

// Download implements Agent.
func (a *ContentAgent) Download(ctx context.Context) (bool, error) {

	if err := a.lock(); err != nil {
		return false, err
	}
	defer a.unlock()

	if err := a.prepare(ctx); err != nil {
		return false, err
	}

	for round := 1; round <= verifyRounds; round++ {

		a.SetStatus(Downloading)

		completed, err := a.run(ctx)

		if err != nil || !completed {
			return false, err
		}

		if !a.verify {
			return true, nil
		}

		a.SetStatus(Validating)

		completed, err = a.validate(ctx)

		if err != nil {
			return false, err
		}

		if completed {
			return true, nil
		}

		if stopping(ctx, a.flag) {
			return false, nil
		}

		agentLogger.Warningf("%s: round %d left chunks that fail validation", a.meta, round)
	}

	return false, errors.Annotatef(ErrIncomplete, "%s: chunks still invalid after %d rounds", a.meta, verifyRounds)
}

// Validate implements Agent. It needs the manifest but never transfers
// chunk data.
func (a *ContentAgent) Validate(ctx context.Context) (bool, error) {

	if err := a.lock(); err != nil {
		return false, err
	}
	defer a.unlock()

	if _, err := a.EnsureManifest(ctx); err != nil {
		return false, err
	}

	if _, err := a.EnsureContexts(); err != nil {
		return false, err
	}

	a.SetStatus(Validating)

	return a.validate(ctx)
}

// prepare runs everything that must hold before chunk work.
func (a *ContentAgent) prepare(ctx context.Context) error {

	m, err := a.EnsureManifest(ctx)

	if err != nil {
		return err
	}

	contexts, err := a.EnsureContexts()

	if err != nil {
		return err
	}

	if err := a.preflight(contexts); err != nil {
		return err
	}

	return a.allocate(m, contexts)
}

// preflight checks that the chunks not on record fit on disk. Files are
// sized with Truncate, which reserves nothing, so what is already on disk
// only counts once its checksum is verified.
func (a *ContentAgent) preflight(contexts []DownloadContext) error {

	var required uint64

	for _, dc := range contexts {
		if !a.store.IsVerified(dc.Checksum) {
			required += dc.Length
		}
	}

	available, err := a.freeSpace(a.dir)

	if err != nil {
		return ioError(errors.Trace(err))
	}

	if required > available {
		return diskFullError(a.dir, required, available)
	}

	agentLogger.Debugf("%s: %s required, %s available", a.meta, humanize.IBytes(required), humanize.IBytes(available))

	return nil
}

// allocate creates every file at its final size without truncating what
// is already there.
func (a *ContentAgent) allocate(m Manifest, contexts []DownloadContext) error {

	sizes := make(map[string]uint64)

	for _, dc := range contexts {
		sizes[dc.Path] = max(sizes[dc.Path], dc.Offset+dc.Length)
	}

	for path, size := range sizes {

		// Complete files may be read-only already.
		if info, err := os.Stat(path); err == nil && uint64(info.Size()) == size {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ioError(errors.Trace(err))
		}

		if err := makeWritable(path); err != nil {
			return ioError(errors.Trace(err))
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)

		if err != nil {
			return ioError(errors.Trace(err))
		}

		info, err := f.Stat()

		if err == nil && uint64(info.Size()) != size {
			err = f.Truncate(int64(size))
		}

		if cerr := f.Close(); err == nil {
			err = cerr
		}

		if err != nil {
			return ioError(errors.Annotatef(err, "allocating %s", path))
		}
	}

	// Empty files have no chunks.
	for _, name := range m.Files() {

		if len(m[name].Lengths) > 0 {
			continue
		}

		path, _ := SafeJoin(a.dir, name)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)

		if err != nil {
			return ioError(errors.Trace(err))
		}

		f.Close()
	}

	return nil
}

// run transfers every chunk not on record through a bounded pool, then
// folds the results into the resume record and persists it.
func (a *ContentAgent) run(ctx context.Context) (bool, error) {

	a.mu.Lock()
	contexts := a.contexts
	a.mu.Unlock()

	a.progress.Reset()

	var (
		verified = a.store.Verified()
		results  = make([]bool, len(contexts))
		pending  int
	)

	if err := a.unlockPending(contexts, verified); err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.threads())

	a.metrics.jobStarted()

	for i, dc := range contexts {

		handle := a.progress.Handle(i)

		if verified.Contains(dc.Checksum) {
			handle.Skip(dc.Length)
			results[i] = true
			continue
		}

		pending++

		i, dc := i, dc

		g.Go(func() error {

			completed, err := a.fetch(gctx, dc, handle)

			switch {
			case err != nil:
				handle.Set(0)
				a.metrics.chunkDone("failed", dc.Length)
				return errors.Annotatef(err, "%s: chunk %s", a.meta, dc)
			case completed:
				a.metrics.chunkDone("verified", dc.Length)
			default:
				a.metrics.chunkDone("stopped", dc.Length)
			}

			results[i] = completed

			return nil
		})
	}

	agentLogger.Debugf("%s: %d of %d chunks to transfer with %d threads", a.meta, pending, len(contexts), a.threads())

	err := g.Wait()

	for i, ok := range results {
		if ok {
			verified.Add(contexts[i].Checksum)
		}
	}

	a.fold(contexts, verified)

	if werr := a.store.Write(); werr != nil && err == nil {
		err = werr
	}

	if perr := a.applyPermissions(contexts, verified); perr != nil && err == nil {
		err = perr
	}

	outcome := "incomplete"

	defer func() {
		a.metrics.jobDone(outcome)
	}()

	if err != nil {
		outcome = "error"
		return false, err
	}

	for _, dc := range contexts {
		if !verified.Contains(dc.Checksum) {
			return false, nil
		}
	}

	outcome = "complete"

	return true, nil
}

// unlockPending makes every file with a chunk still to transfer writable.
func (a *ContentAgent) unlockPending(contexts []DownloadContext, verified set.Strings) error {

	done := set.NewStrings()

	for _, dc := range contexts {

		if verified.Contains(dc.Checksum) || done.Contains(dc.Path) {
			continue
		}

		done.Add(dc.Path)

		if err := makeWritable(dc.Path); err != nil {
			return ioError(errors.Annotatef(err, "unlocking %s", dc.Path))
		}
	}

	return nil
}

// applyPermissions sets the manifest bits on every file whose chunks are
// all verified.
func (a *ContentAgent) applyPermissions(contexts []DownloadContext, verified set.Strings) error {

	var (
		complete = make(map[string]bool)
		perms    = make(map[string]uint32)
	)

	for _, dc := range contexts {

		ok, seen := complete[dc.Path]
		complete[dc.Path] = (ok || !seen) && verified.Contains(dc.Checksum)
		perms[dc.Path] = dc.Permissions
	}

	for path, ok := range complete {

		if !ok {
			continue
		}

		if err := setPermissions(path, perms[path]); err != nil {
			return ioError(errors.Annotatef(err, "setting permissions of %s", path))
		}
	}

	return nil
}

// fetch runs the chunk pipeline under the retry policy.
func (a *ContentAgent) fetch(ctx context.Context, dc DownloadContext, handle *ProgressHandle) (bool, error) {
	return a.retry.do(ctx, a.clock, a.notifyRetry("chunk "+dc.String()), func() (bool, error) {

		completed, err := DownloadChunk(ctx, a.remote, dc, a.flag, handle)

		if err != nil {
			handle.Set(0)
		}

		return completed, err
	})
}

// validate re-hashes every chunk on disk. Matching chunks are added to the
// record, mismatching ones removed, unchecked ones left alone.
func (a *ContentAgent) validate(ctx context.Context) (bool, error) {

	a.mu.Lock()
	contexts := a.contexts
	a.mu.Unlock()

	a.progress.Reset()

	states := make([]int8, len(contexts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.threads())

	for i, dc := range contexts {

		i, dc := i, dc
		handle := a.progress.Handle(i)

		g.Go(func() error {

			if gctx.Err() != nil {
				return nil
			}

			ok, err := ValidateChunk(dc, a.flag, handle)

			if err != nil {
				return errors.Annotatef(err, "%s: validating chunk %s", a.meta, dc)
			}

			switch {
			case ok:
				states[i] = valid
			case !a.flag.Stopped():
				handle.Set(0)
				states[i] = invalid
			}

			return nil
		})
	}

	err := g.Wait()

	verified := a.store.Verified()

	for i, state := range states {
		if state == valid {
			verified.Add(contexts[i].Checksum)
		}
	}

	// Removed last: a checksum shared by a valid and an invalid chunk stays
	// unverified.
	for i, state := range states {
		if state == invalid {
			agentLogger.Infof("%s: chunk %s failed validation", a.meta, contexts[i])
			verified.Remove(contexts[i].Checksum)
		}
	}

	a.fold(contexts, verified)

	if werr := a.store.Write(); werr != nil && err == nil {
		err = werr
	}

	if err != nil {
		return false, err
	}

	for _, state := range states {
		if state != valid {
			return false, nil
		}
	}

	return true, nil
}

// fold stores verified as the job's record and refreshes the per-context
// marks.
func (a *ContentAgent) fold(contexts []DownloadContext, verified set.Strings) {

	a.store.Set(verified)

	a.mu.Lock()
	for i, dc := range contexts {
		a.verified[i] = verified.Contains(dc.Checksum)
	}
	a.mu.Unlock()
}

// Verified reports which contexts are on record, in context order.
func (a *ContentAgent) Verified() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.verified...)
}

// persist writes the record, unless the job never got as far as its
// chunk contexts.
func (a *ContentAgent) persist(event string) {

	a.mu.Lock()
	started := a.contexts != nil
	a.mu.Unlock()

	if !started {
		return
	}

	if err := a.store.Write(); err != nil {
		agentLogger.Errorf("%s: persisting resume record on %s: %v", a.meta, event, err)
	}
}

func (a *ContentAgent) OnInitialised() {
	a.SetStatus(Queued)
	agentLogger.Debugf("%s: queued into %s", a.meta, a.dir)
}

func (a *ContentAgent) OnComplete() {
	a.SetStatus(Completed)
	agentLogger.Infof(
		"%s: completed, %s in %s (%s/s)",
		a.meta,
		humanize.IBytes(a.progress.Max()),
		a.progress.TotalCost().Round(time.Millisecond),
		humanize.IBytes(a.progress.AvgSpeed()),
	)
}

func (a *ContentAgent) OnIncomplete() {
	a.SetStatus(Paused)
	a.persist("pause")
}

func (a *ContentAgent) OnError(err error) {
	a.SetStatus(Errored)
	a.persist("error")
}

// OnCancelled keeps the partial files and the record so a later enqueue
// of the same job resumes.
func (a *ContentAgent) OnCancelled() {
	a.SetStatus(Paused)
	a.persist("cancel")
}

func countTrue(v []bool) (n int) {
	for _, ok := range v {
		if ok {
			n++
		}
	}
	return n
}
