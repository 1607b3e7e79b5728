package product

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Status is the lifecycle state of an item within a run.
type Status string

const (
	// StatusPending means the item still needs to be downloaded.
	StatusPending Status = "pending"
	// StatusSuccess means the item is available locally.
	StatusSuccess Status = "success"
	// StatusFailed means the item could not be obtained in this run.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further work will be done for s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Source records where a successful item was found.
type Source string

const (
	SourceArchive  Source = "archive"
	SourceSpool    Source = "spool"
	SourceOutput   Source = "output"
	SourceDownload Source = "download"
)

// Item is one product of a run.
type Item struct {
	ID     string
	Name   string
	Status Status
	Source Source
	// Reason holds the last failure cause for failed items.
	Reason string
}

// New returns a pending item.
func New(id, name string) Item {
	return Item{ID: id, Name: name, Status: StatusPending}
}

// OutputPath returns the destination of the product archive in dir.
func (it Item) OutputPath(dir string) string {
	return filepath.Join(dir, it.Name+".zip")
}

// URL expands a download URL template, replacing the first %s with the item id.
func (it Item) URL(template string) string {
	return strings.Replace(template, "%s", it.ID, 1)
}

// ErrEmptyListing is returned when a listing has no rows.
var ErrEmptyListing = errors.New("product: listing is empty")

// ReadListing parses a headerless "id,name" CSV listing.
// Blank names or ids are rejected with the offending line number.
func ReadListing(r io.Reader) ([]Item, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var items []Item
	seen := make(map[string]bool)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("product: read listing: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < 2 {
			return nil, fmt.Errorf("product: line %d: expected id,name", line)
		}
		id := strings.TrimSpace(rec[0])
		name := strings.TrimSpace(rec[1])
		if id == "" || name == "" {
			return nil, fmt.Errorf("product: line %d: empty id or name", line)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		items = append(items, New(id, name))
	}
	if len(items) == 0 {
		return nil, ErrEmptyListing
	}
	return items, nil
}
