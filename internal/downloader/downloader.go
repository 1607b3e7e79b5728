package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cdhttp "github.com/ligustah/cdsdl/internal/http"
	"github.com/ligustah/cdsdl/internal/lease"
	"github.com/ligustah/cdsdl/internal/product"
	"github.com/ligustah/cdsdl/internal/progress"
	"github.com/ligustah/cdsdl/internal/token"
)

// DefaultChunkSize is the read buffer used while streaming.
const DefaultChunkSize = 8192

// Outcome classifies how a download attempt ended.
type Outcome string

const (
	OutcomeOK              Outcome = "OK"
	OutcomeRequestError    Outcome = "RequestError"
	OutcomeHTTPStatus      Outcome = "HTTPStatus"
	OutcomeStreamError     Outcome = "StreamError"
	OutcomeChunkedEncoding Outcome = "ChunkedEncodingError"
	OutcomePublishError    Outcome = "PublishError"
	OutcomeTokenExpired    Outcome = "TokenExpired"
	OutcomeFault           Outcome = "Fault"
)

// Request describes one download.
type Request struct {
	Item       product.Item
	Login      string
	Token      token.Token
	Session    lease.Handle
	URL        string
	OutputPath string
}

// Result is the outcome of one download. It always carries its Request so
// the caller can release the leases it references.
type Result struct {
	Request    Request
	Outcome    Outcome
	StatusCode int
	Bytes      int64
	Elapsed    time.Duration
	// SpeedMBps is the throughput in megabytes (10^6 bytes) per second.
	SpeedMBps float64
	Err       error
}

// OK reports whether the product was published.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Status returns a short label for counters, e.g. "OK" or "HTTP_404".
func (r Result) Status() string {
	if r.Outcome == OutcomeHTTPStatus && r.StatusCode != 0 {
		return fmt.Sprintf("HTTP_%d", r.StatusCode)
	}
	return string(r.Outcome)
}

// Options configures the executor.
type Options struct {
	// Client performs the HTTP requests. Default: a client with default options.
	Client *cdhttp.Client

	// StagingDir holds in-flight files. It should be on the same filesystem
	// as the output directories.
	StagingDir string

	// ChunkSize is the size of each read from the response body.
	// Default: 8192
	ChunkSize int64

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Now returns the current time for token expiry checks.
	// Default: time.Now
	Now func() time.Time

	Logger zerolog.Logger
}

// Executor downloads products.
type Executor struct {
	opts Options
}

// New creates an executor.
func New(opts Options) (*Executor, error) {
	if opts.StagingDir == "" {
		return nil, errors.New("downloader: staging directory is required")
	}
	if opts.Client == nil {
		opts.Client = cdhttp.NewClient(cdhttp.DefaultOptions())
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{opts: opts}, nil
}

// Execute downloads req.URL to req.OutputPath.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	log := e.opts.Logger.With().
		Str("login", req.Login).
		Str("product", req.Item.Name).
		Logger()

	res := e.execute(ctx, req, log)

	var ev *zerolog.Event
	if res.OK() {
		ev = log.Info()
	} else {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("outcome", res.Status()).
		Int64("bytes", res.Bytes).
		Dur("elapsed", res.Elapsed).
		Float64("speed_mbps", res.SpeedMBps).
		Msg("download finished")
	return res
}

func (e *Executor) execute(ctx context.Context, req Request, log zerolog.Logger) Result {
	res := Result{Request: req}

	if req.Token.Expired(e.opts.Now()) {
		res.Outcome = OutcomeTokenExpired
		res.Err = fmt.Errorf("downloader: token %s expired", req.Token.Lease)
		return res
	}

	if e.opts.Progress != nil {
		e.opts.Progress.ProductStarted()
	}
	defer func() {
		if e.opts.Progress == nil {
			return
		}
		if res.OK() {
			e.opts.Progress.ProductCompleted()
		} else {
			e.opts.Progress.ProductFailed()
		}
	}()

	start := time.Now()
	tmp, err := e.stage(req.OutputPath)
	if err != nil {
		res.Outcome = OutcomeRequestError
		res.Err = err
		return res
	}

	n, status, outcome, err := e.fetch(ctx, req, tmp, log)
	res.Bytes = n
	res.StatusCode = status
	res.Elapsed = time.Since(start)
	if err != nil {
		os.Remove(tmp)
		res.Outcome = outcome
		res.Err = err
		return res
	}

	if secs := res.Elapsed.Seconds(); secs > 0 {
		res.SpeedMBps = float64(n) / 1e6 / secs
	}

	if err := publish(tmp, req.OutputPath); err != nil {
		os.Remove(tmp)
		res.Outcome = OutcomePublishError
		res.Err = err
		return res
	}

	res.Outcome = OutcomeOK
	return res
}

// stage returns a fresh temporary path in the staging directory.
func (e *Executor) stage(output string) (string, error) {
	if err := os.MkdirAll(e.opts.StagingDir, 0o775); err != nil {
		return "", fmt.Errorf("downloader: create staging dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.tmp", filepath.Base(output), uuid.NewString())
	return filepath.Join(e.opts.StagingDir, name), nil
}

// fetch streams the product body into path.
func (e *Executor) fetch(ctx context.Context, req Request, path string, log zerolog.Logger) (int64, int, Outcome, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o664)
	if err != nil {
		return 0, 0, OutcomeRequestError, fmt.Errorf("downloader: create %s: %w", path, err)
	}
	defer f.Close()

	stream, err := e.opts.Client.Stream(ctx, req.URL, req.Token.Authorization())
	if err != nil {
		var se *cdhttp.StatusError
		if errors.As(err, &se) {
			return 0, se.StatusCode, OutcomeHTTPStatus, fmt.Errorf("downloader: %s: %w", req.Item.Name, err)
		}
		return 0, 0, OutcomeRequestError, fmt.Errorf("downloader: request %s: %w", req.Item.Name, err)
	}
	defer stream.Body.Close()

	if stream.Chunked {
		log.Warn().Msg("server is using chunked transfer encoding, content length may not be accurate")
	}

	n, err := copyChunks(f, stream.Body, e.opts.ChunkSize, e.opts.Progress)
	if err != nil {
		var werr *writeError
		switch {
		case errors.As(err, &werr):
			return n, stream.StatusCode, OutcomeStreamError, fmt.Errorf("downloader: write %s: %w", path, werr.err)
		case stream.Chunked && !errors.Is(err, cdhttp.ErrReadTimeout):
			return n, stream.StatusCode, OutcomeChunkedEncoding, fmt.Errorf("downloader: chunked body of %s: %w", req.Item.Name, err)
		default:
			return n, stream.StatusCode, OutcomeStreamError, fmt.Errorf("downloader: read body of %s: %w", req.Item.Name, err)
		}
	}
	if stream.ContentLength >= 0 && n != stream.ContentLength {
		return n, stream.StatusCode, OutcomeStreamError,
			fmt.Errorf("downloader: %s: got %d of %d bytes", req.Item.Name, n, stream.ContentLength)
	}

	if err := f.Close(); err != nil {
		return n, stream.StatusCode, OutcomeStreamError, fmt.Errorf("downloader: close %s: %w", path, err)
	}
	return n, stream.StatusCode, OutcomeOK, nil
}

type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }

// copyChunks copies src to dst reading at most chunk bytes at a time.
func copyChunks(dst io.Writer, src io.Reader, chunk int64, reporter *progress.Reporter) (int64, error) {
	buf := make([]byte, chunk)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, &writeError{err: err}
			}
			written += int64(n)
			if reporter != nil {
				reporter.BytesWritten(int64(n))
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// publish opens the permissions of the staged file and moves it to its final
// path. Nothing appears at final unless every step succeeds.
func publish(tmp, final string) error {
	if err := os.MkdirAll(filepath.Dir(final), 0o775); err != nil {
		return fmt.Errorf("downloader: create output dir: %w", err)
	}
	if err := os.Chmod(tmp, 0o775); err != nil {
		return fmt.Errorf("downloader: chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("downloader: publish %s: %w", final, err)
		}
		if err := copyAcross(tmp, final); err != nil {
			return err
		}
	}
	return nil
}

// copyAcross publishes tmp on another filesystem through a sibling file of
// final, so the final name still appears atomically.
func copyAcross(tmp, final string) error {
	part := final + "." + uuid.NewString() + ".part"
	src, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("downloader: publish %s: %w", final, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o664)
	if err != nil {
		return fmt.Errorf("downloader: publish %s: %w", final, err)
	}
	if err := dst.Chmod(0o775); err != nil {
		dst.Close()
		os.Remove(part)
		return fmt.Errorf("downloader: chmod %s: %w", part, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(part)
		return fmt.Errorf("downloader: copy to %s: %w", part, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("downloader: close %s: %w", part, err)
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return fmt.Errorf("downloader: publish %s: %w", final, err)
	}
	os.Remove(tmp)
	return nil
}
