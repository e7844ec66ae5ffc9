package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/roach88/cellar/internal/ir"
)

// DefaultFetchTimeout bounds a single source download.
const DefaultFetchTimeout = 10 * time.Minute

// Fetcher resolves a recipe's source URLs to a verified local archive.
type Fetcher struct {
	Cache  Cache
	Client *http.Client
	Logger *slog.Logger
}

// FetchResult describes where the archive came from.
type FetchResult struct {
	Path   string
	Source string // URL that delivered the bytes; empty on a cache hit
	Mirror int    // index into Sources; 0 is the primary
	Cached bool
}

// Fetch returns a local archive for r whose digest matches r.Checksum.
//
// Sources are tried in order. A transport failure or a checksum mismatch on
// one source moves on to the next. If none succeed the result is a
// *ChecksumError when any source delivered wrong bytes, else a *FetchError.
// Mismatching bytes never reach the cache.
func (f *Fetcher) Fetch(ctx context.Context, r *ir.Recipe) (FetchResult, error) {
	if len(r.Sources) == 0 {
		return FetchResult{}, &FetchError{Package: r.Name}
	}
	if r.Checksum.IsZero() {
		return f.fetchUnverified(r)
	}

	if p, ok, err := f.Cache.Lookup(r); err != nil {
		return FetchResult{}, fmt.Errorf("cache lookup: %w", err)
	} else if ok {
		f.logger().Debug("cache hit", "package", r.Name, "path", p)
		return FetchResult{Path: p, Cached: true}, nil
	}

	var (
		failures []SourceFailure
		mismatch *ChecksumError
	)
	for i, src := range r.Sources {
		if err := ctx.Err(); err != nil {
			return FetchResult{}, err
		}

		p, err := f.fetchOne(ctx, r, src)
		if err == nil {
			f.logger().Debug("fetched", "package", r.Name, "url", src, "mirror", i)
			return FetchResult{Path: p, Source: src, Mirror: i}, nil
		}

		var dm *digestMismatch
		var sf *sourceFailure
		switch {
		case errors.As(err, &dm):
			mismatch = &ChecksumError{
				Package:   r.Name,
				URL:       src,
				Algorithm: r.Checksum.Algorithm,
				Expected:  r.Checksum.Digest,
				Actual:    dm.actual,
			}
		case errors.As(err, &sf):
		default:
			return FetchResult{}, fmt.Errorf("cache: %w", err)
		}
		f.logger().Warn("source failed", "package", r.Name, "url", src, "error", err)
		failures = append(failures, SourceFailure{URL: src, Err: err})
	}

	if mismatch != nil {
		mismatch.Failures = failures
		return FetchResult{}, mismatch
	}
	return FetchResult{}, &FetchError{Package: r.Name, Failures: failures}
}

// fetchUnverified handles recipes with no checksum. Validation only allows
// that for local sources, which are used in place rather than cached.
func (f *Fetcher) fetchUnverified(r *ir.Recipe) (FetchResult, error) {
	var failures []SourceFailure
	for i, src := range r.Sources {
		u, err := url.Parse(src)
		if err != nil || u.Scheme != "file" {
			failures = append(failures, SourceFailure{URL: src, Err: errors.New("remote source requires a checksum")})
			continue
		}
		if _, err := os.Stat(u.Path); err != nil {
			failures = append(failures, SourceFailure{URL: src, Err: err})
			continue
		}
		return FetchResult{Path: u.Path, Source: src, Mirror: i}, nil
	}
	return FetchResult{}, &FetchError{Package: r.Name, Failures: failures}
}

func (f *Fetcher) fetchOne(ctx context.Context, r *ir.Recipe, src string) (string, error) {
	body, err := f.open(ctx, src)
	if err != nil {
		return "", &sourceFailure{err: err}
	}
	defer body.Close()

	p, err := f.Cache.Store(r, body)
	var te *transferError
	if errors.As(err, &te) {
		return "", &sourceFailure{err: te.err}
	}
	return p, err
}

func (f *Fetcher) open(ctx context.Context, src string) (io.ReadCloser, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		return os.Open(u.Path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("HTTP %s", resp.Status)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: DefaultFetchTimeout}
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// sourceFailure marks an error that is specific to one source URL.
type sourceFailure struct {
	err error
}

func (e *sourceFailure) Error() string { return e.err.Error() }
func (e *sourceFailure) Unwrap() error { return e.err }
