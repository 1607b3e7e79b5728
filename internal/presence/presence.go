package presence

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligustah/cdsdl/internal/product"
)

// IntegrityError reports a product archive that failed verification.
type IntegrityError struct {
	Path string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("presence: corrupt archive %s: %v", e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a lookup.
type Result struct {
	Present  bool
	Location product.Source
	Path     string
}

// Options configures a Resolver. Empty directories are not searched.
type Options struct {
	ArchiveDir string
	SpoolDir   string

	// Now dates products whose name carries no acquisition time.
	// Default: time.Now
	Now func() time.Time

	Logger zerolog.Logger
}

// Resolver looks products up on local disks.
type Resolver struct {
	opts Options
}

// New creates a resolver.
func New(opts Options) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{opts: opts}
}

// ArchiveDir returns the archive directory name would be stored in.
func (r *Resolver) ArchiveDir(name string) string {
	return ArchiveDir(r.opts.ArchiveDir, name, r.opts.Now())
}

// Resolve reports where name is available locally, checking the archive,
// the spool and outputDir in that order.
func (r *Resolver) Resolve(name, outputDir string) Result {
	log := r.opts.Logger.With().Str("product", name).Logger()

	if r.opts.ArchiveDir != "" {
		dir := r.ArchiveDir(name)
		if p, ok := firstExisting(dir, spoolVariants(name)); ok {
			log.Debug().Str("path", p).Msg("found in archive")
			return Result{Present: true, Location: product.SourceArchive, Path: p}
		}
	}

	if r.opts.SpoolDir != "" {
		if p, ok := firstExisting(r.opts.SpoolDir, spoolVariants(name)); ok {
			log.Debug().Str("path", p).Msg("found in spool")
			return Result{Present: true, Location: product.SourceSpool, Path: p}
		}
	}

	if outputDir != "" {
		if p, ok := firstExisting(outputDir, outputVariants(name)); ok {
			if !strings.HasSuffix(p, ".zip") {
				return Result{Present: true, Location: product.SourceOutput, Path: p}
			}
			if err := VerifyZip(p); err != nil {
				log.Warn().Err(err).Msg("removing corrupt product archive")
				if rmErr := os.RemoveAll(p); rmErr != nil {
					log.Error().Err(rmErr).Str("path", p).Msg("remove corrupt archive")
				}
				return Result{}
			}
			log.Debug().Str("path", p).Msg("found in output directory")
			return Result{Present: true, Location: product.SourceOutput, Path: p}
		}
	}

	return Result{}
}

// Summary counts where the items of a listing were found.
type Summary struct {
	Archive int
	Spool   int
	Output  int
	Absent  int
}

// Apply resolves every pending item and marks those found as successful.
// With force, items are counted but left pending.
func (r *Resolver) Apply(items []*product.Item, outputDir string, force bool) Summary {
	var s Summary
	for _, item := range items {
		if item.Status != product.StatusPending {
			continue
		}
		res := r.Resolve(item.Name, outputDir)
		switch res.Location {
		case product.SourceArchive:
			s.Archive++
		case product.SourceSpool:
			s.Spool++
		case product.SourceOutput:
			s.Output++
		default:
			s.Absent++
		}
		if res.Present && !force {
			item.Status = product.StatusSuccess
			item.Source = res.Location
		}
	}
	return s
}

// VerifyZip opens the archive at path and reads every entry, which checks
// the stored CRC-32 of each.
func VerifyZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return &IntegrityError{Path: path, Err: err}
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := readEntry(f); err != nil {
			return &IntegrityError{Path: path, Err: fmt.Errorf("%s: %w", f.Name, err)}
		}
	}
	return nil
}

func readEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func spoolVariants(name string) []string {
	return []string{name, name + ".zip", strings.Replace(name, ".SAFE", ".zip", -1)}
}

func outputVariants(name string) []string {
	return []string{name + ".zip", name, strings.Replace(name, ".SAFE", ".zip", -1)}
}

func firstExisting(dir string, names []string) (string, bool) {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}
