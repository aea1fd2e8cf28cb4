// Package metadata resolves defects to the source file region a patch may replace.
package metadata

import (
	"context"
	"path"
	"sort"
	"sync"

	"patchverify/internal/domain"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether r fits inside a source of the given length.
func (r Range) Valid(size int) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End <= size
}

// Location describes where a defect lives in its source file.
type Location struct {
	Defect domain.DefectID
	// Path is the repository-relative path of the source file.
	Path     string
	Function Range
	Hunk     *Range
	// Prefix and Suffix wrap sub-function (hunk or line level) replacements.
	Prefix     string
	Suffix     string
	HasAffixes bool
}

// DiffRange is the region searched by line-diff strategies: the hunk when known.
func (l Location) DiffRange() Range {
	if l.Hunk != nil {
		return *l.Hunk
	}
	return l.Function
}

// Source is the baseline content of the defect's file.
type Source struct {
	// Name is the snapshot file name, used for materialized artifact names.
	Name    string
	Content string
}

// BaseName is the file name used when naming artifacts.
func (l Location) BaseName(src Source) string {
	if l.Path != "" {
		return path.Base(l.Path)
	}
	return src.Name
}

// Lookup is the metadata collaborator consumed by the patch engine.
type Lookup interface {
	ByteRange(ctx context.Context, id domain.DefectID) (Location, error)
	BaselineSource(ctx context.Context, id domain.DefectID) (Source, error)
}

// Catalog is an in-memory Lookup keyed by commit.
type Catalog struct {
	mu        sync.RWMutex
	locations map[string]Location
	sources   map[string]Source
	projects  map[string]struct{}
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		locations: map[string]Location{},
		sources:   map[string]Source{},
		projects:  map[string]struct{}{},
	}
}

// Add registers a defect location and its baseline source.
func (c *Catalog) Add(loc Location, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locations[loc.Defect.Commit] = loc
	c.sources[loc.Defect.Commit] = src
	c.projects[loc.Defect.Project] = struct{}{}
}

// SetAffixes attaches prefix/suffix metadata to a known commit.
func (c *Catalog) SetAffixes(commit, prefix, suffix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.locations[commit]
	if !ok {
		return false
	}
	loc.Prefix, loc.Suffix, loc.HasAffixes = prefix, suffix, true
	c.locations[commit] = loc
	return true
}

func (c *Catalog) ByteRange(_ context.Context, id domain.DefectID) (Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.locations[id.Commit]
	if !ok || loc.Defect.Project != id.Project {
		return Location{}, domain.Errorf(domain.CodeMetadataUnavailable,
			"%s: record not found, total records=%d", id, len(c.locations))
	}
	return loc, nil
}

func (c *Catalog) BaselineSource(_ context.Context, id domain.DefectID) (Source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[id.Commit]
	if !ok || src.Content == "" {
		return Source{}, domain.Errorf(domain.CodeMetadataUnavailable, "source content not cached for %s", id)
	}
	return src, nil
}

// Projects lists known project names in sorted order.
func (c *Catalog) Projects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.projects))
	for p := range c.projects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len is the number of registered defects.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.locations)
}
