package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"patchverify/internal/domain"
	"patchverify/internal/fingerprint"
)

// Record is one line of an offline import file.
type Record struct {
	RedisKey  string            `json:"redis_key"`
	CacheData map[string]string `json:"cache_data"`
}

// ImportOptions tunes Redis.Import.
type ImportOptions struct {
	// Force overwrites keys that already exist.
	Force     bool
	Workers   int
	BatchSize int
}

// ImportStats summarizes an import run.
type ImportStats struct {
	Imported int64 `json:"imported"`
	Skipped  int64 `json:"skipped"`
	Invalid  int64 `json:"invalid"`
}

// Import loads JSONL records into Redis with bounded parallelism.
func (r *Redis) Import(ctx context.Context, src io.Reader, opts ImportOptions) (ImportStats, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	var imported, skipped, invalid atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	flush := func(batch []Record) {
		g.Go(func() error {
			n, s, err := r.importBatch(gctx, batch, opts.Force)
			imported.Add(n)
			skipped.Add(s)
			return err
		})
	}

	br := bufio.NewReader(src)
	batch := make([]Record, 0, opts.BatchSize)
	var readErr error
	for gctx.Err() == nil {
		line, err := br.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var rec Record
			if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil || !validRecord(rec) {
				invalid.Add(1)
			} else {
				batch = append(batch, rec)
			}
		}
		if len(batch) == opts.BatchSize {
			flush(batch)
			batch = make([]Record, 0, opts.BatchSize)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	if len(batch) > 0 {
		flush(batch)
	}
	err := g.Wait()
	stats := ImportStats{Imported: imported.Load(), Skipped: skipped.Load(), Invalid: invalid.Load()}
	return stats, errors.Join(readErr, err)
}

func validRecord(rec Record) bool {
	if len(rec.CacheData) == 0 {
		return false
	}
	_, err := fingerprint.ParseJobKey(rec.RedisKey)
	return err == nil
}

func (r *Redis) importBatch(ctx context.Context, batch []Record, force bool) (imported, skipped int64, err error) {
	if !force {
		pipe := r.Client.Pipeline()
		exists := make([]*redis.IntCmd, len(batch))
		for i, rec := range batch {
			exists[i] = pipe.Exists(ctx, rec.RedisKey)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, 0, fmt.Errorf("check existing keys: %w", err)
		}
		kept := make([]Record, 0, len(batch))
		for i, rec := range batch {
			if exists[i].Val() > 0 {
				skipped++
				continue
			}
			kept = append(kept, rec)
		}
		batch = kept
	}
	if len(batch) == 0 {
		return 0, skipped, nil
	}
	pipe := r.Client.Pipeline()
	for _, rec := range batch {
		pipe.HSet(ctx, rec.RedisKey, rec.CacheData)
		if r.TTL > 0 {
			pipe.Expire(ctx, rec.RedisKey, r.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, skipped, fmt.Errorf("write batch: %w", err)
	}
	return int64(len(batch)), skipped, nil
}

var logName = regexp.MustCompile(`^patch_([0-9A-Za-z]+)_([0-9a-f]{64})\.(log|msg|status|json)$`)

// Scan walks every project's log directory and writes one import record per
// finished run. Projects are scanned concurrently and emitted in name order.
func (f *Files) Scan(ctx context.Context, w io.Writer) (int, error) {
	entries, err := os.ReadDir(f.OutRoot)
	if err != nil {
		return 0, err
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)

	results := make([][]Record, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, project := range projects {
		g.Go(func() error {
			recs, err := f.scanProject(gctx, project)
			results[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	n := 0
	for _, recs := range results {
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (f *Files) scanProject(ctx context.Context, project string) ([]Record, error) {
	dir := filepath.Join(f.OutRoot, project, "logs")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var keys []fingerprint.Key
	for _, e := range entries {
		m := logName.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		key := fingerprint.Key{
			Defect:      domain.DefectID{Project: project, Commit: m[1]},
			Fingerprint: fingerprint.Fingerprint(m[2]),
		}
		if !seen[key.String()] {
			seen[key.String()] = true
			keys = append(keys, key)
		}
	}
	var out []Record
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, ok, err := f.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if ok {
			out = append(out, Record{RedisKey: key.String(), CacheData: e.Fields()})
		}
	}
	return out, nil
}
