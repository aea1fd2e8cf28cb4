package metadata

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"patchverify/internal/domain"
)

// LoadOptions points at the on-disk catalog inputs.
type LoadOptions struct {
	// Root is scanned recursively for bugs_list*.json; the parent directory names the project.
	Root string
	// Sources is a JSONL file of {"id": "<sha>___<file>", "content": "..."} snapshots.
	Sources string
	// Affixes is an optional JSON object keyed by commit: {"<sha>": {"prefix": "...", "suffix": "..."}}.
	Affixes string
}

// LoadStats counts what Load registered.
type LoadStats struct {
	Records int
	Sources int
	Affixes int
}

type bugRecord struct {
	CommitAfter string `json:"commit_after"`
	Files       struct {
		Src      []string `json:"src"`
		Location struct {
			ByteStart     int  `json:"byte_start"`
			ByteEnd       int  `json:"byte_end"`
			HunkStartByte *int `json:"hunk_start_byte"`
			HunkEndByte   *int `json:"hunk_end_byte"`
		} `json:"src0_location"`
	} `json:"files"`
}

type sourceRecord struct {
	ID      string  `json:"id"`
	Content *string `json:"content"`
}

type affixRecord struct {
	Prefix *string `json:"prefix"`
	Suffix string  `json:"suffix"`
}

// Load builds a Catalog from bug lists, source snapshots and optional affixes.
func Load(opts LoadOptions) (*Catalog, LoadStats, error) {
	var stats LoadStats
	locations, err := loadBugLists(opts.Root)
	if err != nil {
		return nil, stats, err
	}
	sources := map[string]Source{}
	if opts.Sources != "" {
		if sources, err = loadSources(opts.Sources); err != nil {
			return nil, stats, err
		}
	}
	cat := NewCatalog()
	for commit, loc := range locations {
		cat.Add(loc, sources[commit])
	}
	stats.Records = len(locations)
	stats.Sources = len(sources)
	if opts.Affixes != "" {
		n, err := loadAffixes(cat, opts.Affixes)
		if err != nil {
			return nil, stats, err
		}
		stats.Affixes = n
	}
	return cat, stats, nil
}

func loadBugLists(root string) (map[string]Location, error) {
	out := map[string]Location{}
	if root == "" {
		return out, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, "bugs_list") || filepath.Ext(name) != ".json" {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		var recs []bugRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		project := filepath.Base(filepath.Dir(p))
		for _, rec := range recs {
			if rec.CommitAfter == "" {
				continue
			}
			out[rec.CommitAfter] = rec.location(project)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan metadata under %s: %w", root, err)
	}
	return out, nil
}

func (r bugRecord) location(project string) Location {
	loc := Location{
		Defect:   domain.DefectID{Project: project, Commit: r.CommitAfter},
		Function: Range{Start: r.Files.Location.ByteStart, End: r.Files.Location.ByteEnd},
	}
	if len(r.Files.Src) > 0 {
		loc.Path = r.Files.Src[0]
	}
	if r.Files.Location.HunkStartByte != nil && r.Files.Location.HunkEndByte != nil {
		loc.Hunk = &Range{Start: *r.Files.Location.HunkStartByte, End: *r.Files.Location.HunkEndByte}
	}
	return loc
}

func loadSources(path string) (map[string]Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := map[string]Source{}
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var rec sourceRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			if rec.ID != "" && rec.Content != nil {
				name := filepath.Base(rec.ID)
				commit, _, ok := strings.Cut(name, "___")
				if !ok {
					return nil, fmt.Errorf("%s:%d: invalid id format %q", path, lineNo, rec.ID)
				}
				out[commit] = Source{Name: name, Content: *rec.Content}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}
	return out, nil
}

func loadAffixes(cat *Catalog, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var recs map[string]affixRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	n := 0
	for commit, rec := range recs {
		// Entries without a prefix describe whole-function repairs.
		if rec.Prefix == nil {
			continue
		}
		if cat.SetAffixes(commit, *rec.Prefix, rec.Suffix) {
			n++
		}
	}
	return n, nil
}
