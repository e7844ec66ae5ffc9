package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/roach88/cellar/internal/ir"
	"github.com/roach88/cellar/internal/patch"
	"github.com/roach88/cellar/internal/store"
)

// Engine runs recipes through the install pipeline:
//
//	fetch → extract → patch → build → post_install → test
//
// Stages run strictly in order and the first failure aborts the rest. Each
// stage emits started/finished/failed events stamped by the logical clock;
// events are returned in Result.Events and, when a Recorder is configured,
// persisted.
//
// An Engine holds no per-run state and may run several recipes, one after
// another or concurrently. The only shared resource is the download cache,
// which is safe for concurrent population.
type Engine struct {
	layout       Layout
	cache        Cache
	jobs         int
	readLimit    int
	maxFuzz      int
	fetchTimeout time.Duration
	checkTimeout time.Duration
	recorder     Recorder
	ids          SessionIDGenerator
	clock        Sequencer
	logger       *slog.Logger
	output       io.Writer
	client       *http.Client
	env          *Env
	now          func() time.Time
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithCacheDir sets the download cache directory. Build logs are kept
// under <dir>/logs.
func WithCacheDir(dir string) EngineOption {
	return func(e *Engine) { e.cache = Cache{Dir: dir} }
}

// WithJobs sets the default build concurrency. Zero means the host CPU count.
func WithJobs(n int) EngineOption {
	return func(e *Engine) { e.jobs = n }
}

// WithReadLimit sets the verifier's default output byte limit.
func WithReadLimit(n int) EngineOption {
	return func(e *Engine) { e.readLimit = n }
}

// WithMaxFuzz sets how many outer context lines a patch hunk may ignore.
func WithMaxFuzz(n int) EngineOption {
	return func(e *Engine) { e.maxFuzz = n }
}

// WithFetchTimeout bounds each source download.
func WithFetchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.fetchTimeout = d }
}

// WithCheckTimeout bounds each smoke-test command.
func WithCheckTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.checkTimeout = d }
}

// WithRecorder persists events and receipts.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithSessionIDs replaces the UUIDv7 session ID generator.
func WithSessionIDs(g SessionIDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithClock replaces the logical clock.
func WithClock(c Sequencer) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithOutput tees build step output to w.
func WithOutput(w io.Writer) EngineOption {
	return func(e *Engine) { e.output = w }
}

// WithHTTPClient replaces the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.client = c }
}

// WithEnv sets the environment every session snapshots. By default each
// session snapshots the process environment when it starts.
func WithEnv(env *Env) EngineOption {
	return func(e *Engine) { e.env = env }
}

// WithNow replaces the wall clock used for receipt timestamps.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine managing the tree rooted at layout.Root.
func New(layout Layout, opts ...EngineOption) *Engine {
	e := &Engine{
		layout:       layout,
		cache:        Cache{Dir: filepath.Join(layout.Root, "cache")},
		maxFuzz:      patch.DefaultMaxFuzz,
		fetchTimeout: DefaultFetchTimeout,
		ids:          UUIDv7Generator{},
		clock:        NewClock(),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: e.fetchTimeout}
	}
	return e
}

// Layout returns the engine's directory layout.
func (e *Engine) Layout() Layout {
	return e.layout
}

// InstallOptions adjusts a single install.
type InstallOptions struct {
	Jobs     int  // overrides the engine default when > 0
	SkipTest bool // leave health as untested
}

// Result summarizes one pipeline run. It is returned alongside errors so
// callers can show the trace of a failed run.
type Result struct {
	SessionID string
	Package   string
	Version   string
	Prefix    string
	Archive   string
	Cached    bool
	Health    store.Health
	Events    []Event
}

// Fetch downloads and verifies r's source archive without building.
func (e *Engine) Fetch(ctx context.Context, r *ir.Recipe) (*Result, error) {
	rn := e.newRun(r)
	_, err := rn.fetch(ctx)
	return rn.result, err
}

// Install runs the full pipeline for r.
func (e *Engine) Install(ctx context.Context, r *ir.Recipe, opts InstallOptions) (*Result, error) {
	rn := e.newRun(r)
	res := rn.result

	fr, err := rn.fetch(ctx)
	if err != nil {
		return res, err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = e.defaultJobs()
	}
	sess, err := e.openSession(rn.id, r, jobs, true)
	if err != nil {
		return res, &StageError{Stage: StageExtract, Package: r.Name, Err: err}
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warn("removing work dir", "session", rn.id, "error", err)
		}
	}()

	err = rn.stage(ctx, StageExtract, func() (string, error) {
		src, err := Extract(fr.Path, filepath.Join(sess.WorkDir, "src"))
		if err != nil {
			return "", err
		}
		sess.SourceDir = src
		return sourceBasename(r.Sources[fr.Mirror]), nil
	})
	if err != nil {
		return res, err
	}

	if len(r.Patches) == 0 {
		rn.emit(ctx, StagePatch, EventSkipped, "no patches")
	} else {
		err = rn.stage(ctx, StagePatch, func() (string, error) {
			applier := patch.Applier{MaxFuzz: e.maxFuzz}
			if err := applier.ApplyDir(sess.SourceDir, r.Patches); err != nil {
				return "", err
			}
			return plural(len(r.Patches), "patch", "patches") + " applied", nil
		})
		if err != nil {
			return res, err
		}
	}

	err = rn.stage(ctx, StageBuild, func() (string, error) {
		return e.build(ctx, rn, sess)
	})
	if err != nil {
		return res, err
	}
	res.Prefix = sess.Prefix
	res.Health = store.HealthUntested
	e.writeReceipt(ctx, rn, sess)

	post := &PostInstaller{Layout: e.layout, Logger: e.logger}
	err = rn.stage(ctx, StagePostInstall, func() (string, error) {
		if err := post.Run(sess, r.PostInstall); err != nil {
			return "", err
		}
		if err := post.Link(r, sess.Prefix); err != nil {
			return "", err
		}
		detail := plural(len(r.PostInstall), "op", "ops")
		if r.IsKegOnly() {
			detail += ", keg-only"
		} else {
			detail += ", linked"
		}
		return detail, nil
	})
	if err != nil {
		res.Health = store.HealthUnhealthy
		e.setHealth(ctx, r, store.HealthUnhealthy, err.Error())
		return res, err
	}

	if opts.SkipTest || r.Test.Empty() {
		rn.emit(ctx, StageTest, EventSkipped, "")
		return res, nil
	}
	err = e.verify(ctx, rn, sess)
	return res, err
}

// Test runs r's smoke test against its existing installation and records
// the resulting health.
func (e *Engine) Test(ctx context.Context, r *ir.Recipe) (*Result, error) {
	rn := e.newRun(r)
	res := rn.result

	prefix := e.layout.Prefix(r.Name, r.Version)
	if _, err := os.Stat(prefix); errors.Is(err, fs.ErrNotExist) {
		err := fmt.Errorf("%s %s: %w", r.Name, r.Version, ErrNotInstalled)
		rn.emit(ctx, StageTest, EventFailed, err.Error())
		return res, &StageError{Stage: StageTest, Package: r.Name, Err: err}
	}
	res.Prefix = prefix

	if r.Test.Empty() {
		rn.emit(ctx, StageTest, EventSkipped, "no checks")
		return res, nil
	}

	sess, err := e.openSession(rn.id, r, e.defaultJobs(), false)
	if err != nil {
		return res, &StageError{Stage: StageTest, Package: r.Name, Err: err}
	}
	defer sess.Close()

	return res, e.verify(ctx, rn, sess)
}

func (e *Engine) build(ctx context.Context, rn *run, sess *Session) (string, error) {
	r := rn.recipe

	// Reinstalling the same version starts from an empty prefix.
	if err := os.RemoveAll(sess.Prefix); err != nil {
		return "", err
	}
	if err := os.MkdirAll(sess.Prefix, 0o755); err != nil {
		return "", err
	}

	x := &Executor{
		Logger: e.logger,
		Output: e.output,
		OnStep: func(n int, _ string) {
			step := r.Build[n-1]
			rn.emit(ctx, StageBuild, EventStep, commandLine(step.Exec, step.Args))
		},
	}
	if err := x.Run(ctx, sess, r.Build); err != nil {
		// A half-built prefix is worse than none.
		if rmErr := os.RemoveAll(sess.Prefix); rmErr != nil {
			e.logger.Warn("removing partial prefix", "prefix", sess.Prefix, "error", rmErr)
		}
		e.forget(ctx, r, sess.Prefix)
		return "", err
	}
	return plural(len(r.Build), "step", "steps"), nil
}

func (e *Engine) verify(ctx context.Context, rn *run, sess *Session) error {
	r := rn.recipe
	v := &Verifier{
		ReadLimit: e.readLimit,
		Timeout:   e.checkTimeout,
		Logger:    e.logger,
		OnCheck: func(name string) {
			rn.emit(ctx, StageTest, EventCheck, name)
		},
	}
	err := rn.stage(ctx, StageTest, func() (string, error) {
		if err := v.Verify(ctx, sess, r.Test); err != nil {
			return "", err
		}
		return plural(len(r.Test.Checks), "check", "checks") + " passed", nil
	})
	if err != nil {
		rn.result.Health = store.HealthUnhealthy
		e.setHealth(ctx, r, store.HealthUnhealthy, errors.Unwrap(err).Error())
		return err
	}
	rn.result.Health = store.HealthHealthy
	e.setHealth(ctx, r, store.HealthHealthy, "")
	return nil
}

// openSession starts a session. Build sessions keep their logs under
// <cache>/logs/<name>/<session>; test sessions write none worth keeping.
func (e *Engine) openSession(id string, r *ir.Recipe, jobs int, keepLogs bool) (*Session, error) {
	env := e.env
	if env == nil {
		env = SnapshotEnv()
	} else {
		env = env.Clone()
	}
	logDir := ""
	if keepLogs && e.cache.Dir != "" {
		logDir = filepath.Join(e.cache.Dir, "logs", r.Name, id)
	}
	return newSession(id, r, e.layout, env, jobs, logDir)
}

func (e *Engine) writeReceipt(ctx context.Context, rn *run, sess *Session) {
	if e.recorder == nil {
		return
	}
	r := rn.recipe
	digest, err := ir.Digest(r)
	if err != nil {
		e.logger.Warn("computing recipe digest", "package", r.Name, "error", err)
	}
	err = e.recorder.WriteInstall(ctx, store.Install{
		Name:         r.Name,
		Version:      r.Version,
		Prefix:       sess.Prefix,
		RecipeDigest: digest,
		SessionID:    rn.id,
		KegOnly:      r.IsKegOnly(),
		Dependencies: r.Dependencies,
		Health:       store.HealthUntested,
		InstalledAt:  e.now(),
	})
	if err != nil {
		e.logger.Warn("writing install receipt", "package", r.Name, "error", err)
	}
}

// forget drops every trace of an installation whose prefix is gone: the
// links into it and its receipt. A failed reinstall of the same version
// otherwise leaves a receipt describing a prefix that no longer exists.
func (e *Engine) forget(ctx context.Context, r *ir.Recipe, prefix string) {
	post := &PostInstaller{Layout: e.layout, Logger: e.logger}
	if err := post.Unlink(r.Name, prefix); err != nil {
		e.logger.Warn("removing links", "package", r.Name, "error", err)
	}
	if e.recorder == nil {
		return
	}
	if err := e.recorder.DeleteInstall(ctx, r.Name, r.Version); err != nil {
		e.logger.Warn("deleting install receipt", "package", r.Name, "error", err)
	}
}

func (e *Engine) setHealth(ctx context.Context, r *ir.Recipe, h store.Health, detail string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SetHealth(ctx, r.Name, r.Version, h, detail); err != nil {
		e.logger.Warn("recording health", "package", r.Name, "health", h, "error", err)
	}
}

func (e *Engine) defaultJobs() int {
	if e.jobs > 0 {
		return e.jobs
	}
	return runtime.NumCPU()
}

// run carries the per-invocation trace.
type run struct {
	e      *Engine
	id     string
	recipe *ir.Recipe
	result *Result
}

func (e *Engine) newRun(r *ir.Recipe) *run {
	id := e.ids.Generate()
	return &run{
		e:      e,
		id:     id,
		recipe: r,
		result: &Result{SessionID: id, Package: r.Name, Version: r.Version},
	}
}

func (rn *run) fetch(ctx context.Context) (FetchResult, error) {
	f := &Fetcher{Cache: rn.e.cache, Client: rn.e.client, Logger: rn.e.logger}
	var fr FetchResult
	err := rn.stage(ctx, StageFetch, func() (string, error) {
		var err error
		fr, err = f.Fetch(ctx, rn.recipe)
		if err != nil {
			return "", err
		}
		switch {
		case fr.Cached:
			return "cache hit", nil
		case fr.Mirror == 0:
			return "primary", nil
		default:
			return fmt.Sprintf("mirror %d", fr.Mirror), nil
		}
	})
	rn.result.Archive = fr.Path
	rn.result.Cached = fr.Cached
	return fr, err
}

// stage runs fn between started and finished/failed events and wraps any
// error in a *StageError.
func (rn *run) stage(ctx context.Context, stage Stage, fn func() (string, error)) error {
	log := rn.e.logger.With("session", rn.id, "package", rn.recipe.Name, "stage", stage)
	rn.emit(ctx, stage, EventStarted, "")
	log.Debug("stage started")
	start := time.Now()

	detail, err := fn()
	if err != nil {
		rn.emit(ctx, stage, EventFailed, firstLine(err.Error()))
		log.Error("stage failed", "error", err, "duration", time.Since(start))
		return &StageError{Stage: stage, Package: rn.recipe.Name, Err: err}
	}
	rn.emit(ctx, stage, EventFinished, detail)
	log.Info("stage finished", "detail", detail, "duration", time.Since(start))
	return nil
}

func (rn *run) emit(ctx context.Context, stage Stage, kind EventKind, detail string) {
	ev := Event{
		Seq:       rn.e.clock.Next(),
		SessionID: rn.id,
		Package:   rn.recipe.Name,
		Version:   rn.recipe.Version,
		Stage:     stage,
		Kind:      kind,
		Detail:    detail,
	}
	rn.result.Events = append(rn.result.Events, ev)
	if rn.e.recorder == nil {
		return
	}
	if err := rn.e.recorder.WriteStageEvent(ctx, ev.toStore()); err != nil {
		rn.e.logger.Warn("recording stage event", "session", rn.id, "error", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
