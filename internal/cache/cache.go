// Package cache stores terminal verification results in ordered tiers.
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"patchverify/internal/domain"
	"patchverify/internal/fingerprint"
)

// Entry is the cached projection of a terminal job.
type Entry struct {
	State domain.JobState `json:"status"`
	domain.Result
}

// Status is the answer of one lookup.
type Status int

const (
	NotFound Status = iota
	Found
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Unavailable:
		return "unavailable"
	default:
		return "not_found"
	}
}

// Lookup is the result of searching the tiers.
type Lookup struct {
	Status Status
	Entry  Entry
	// Tier names the backend that answered Found.
	Tier string
}

// Backend is one cache tier. A non-nil error means the tier could not answer.
type Backend interface {
	Name() string
	Get(ctx context.Context, key fingerprint.Key) (Entry, bool, error)
	Put(ctx context.Context, key fingerprint.Key, e Entry) error
	Delete(ctx context.Context, key fingerprint.Key) (bool, error)
}

// TierStats counts lookups per tier.
type TierStats struct {
	Name        string `json:"name"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Unavailable uint64 `json:"unavailable"`
	WriteErrors uint64 `json:"write_errors"`
}

type counters struct {
	hits, misses, unavailable, writeErrors atomic.Uint64
}

// Tiered reads backends in order and writes through all of them.
// Backend errors are logged and counted, never returned from Find or Store.
type Tiered struct {
	backends []Backend
	counters []*counters
	log      *zap.Logger
}

// NewTiered orders backends from primary to last resort.
func NewTiered(log *zap.Logger, backends ...Backend) *Tiered {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tiered{backends: backends, log: log}
	for range backends {
		t.counters = append(t.counters, &counters{})
	}
	return t
}

// Find returns the first hit. Earlier tiers that missed are backfilled.
func (t *Tiered) Find(ctx context.Context, key fingerprint.Key) Lookup {
	answered := false
	for i, b := range t.backends {
		e, ok, err := b.Get(ctx, key)
		switch {
		case err != nil:
			t.counters[i].unavailable.Add(1)
			t.log.Warn("cache tier unavailable", zap.String("tier", b.Name()), zap.String("key", key.String()), zap.Error(err))
		case ok:
			t.counters[i].hits.Add(1)
			t.backfill(ctx, key, e, i)
			return Lookup{Status: Found, Entry: e, Tier: b.Name()}
		default:
			answered = true
			t.counters[i].misses.Add(1)
		}
	}
	if !answered && len(t.backends) > 0 {
		return Lookup{Status: Unavailable}
	}
	return Lookup{Status: NotFound}
}

func (t *Tiered) backfill(ctx context.Context, key fingerprint.Key, e Entry, upto int) {
	for i := 0; i < upto; i++ {
		if err := t.backends[i].Put(ctx, key, e); err != nil {
			t.counters[i].writeErrors.Add(1)
			t.log.Debug("cache backfill failed", zap.String("tier", t.backends[i].Name()), zap.Error(err))
		}
	}
}

// Store writes e to every tier; failures are logged.
func (t *Tiered) Store(ctx context.Context, key fingerprint.Key, e Entry) {
	for i, b := range t.backends {
		if err := b.Put(ctx, key, e); err != nil {
			t.counters[i].writeErrors.Add(1)
			t.log.Warn("cache write failed", zap.String("tier", b.Name()), zap.String("key", key.String()), zap.Error(err))
		}
	}
}

// Evict removes key from every tier. It reports whether any tier held it,
// and fails only when no tier could be reached.
func (t *Tiered) Evict(ctx context.Context, key fingerprint.Key) (bool, error) {
	deleted := false
	var errs []error
	for _, b := range t.backends {
		ok, err := b.Delete(ctx, key)
		if err != nil {
			t.log.Warn("cache evict failed", zap.String("tier", b.Name()), zap.String("key", key.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		deleted = deleted || ok
	}
	if len(errs) > 0 && len(errs) == len(t.backends) {
		return false, domain.Wrap(domain.CodeCacheUnavailable, errors.Join(errs...), "evict %s", key)
	}
	return deleted, nil
}

// Stats snapshots the per-tier counters.
func (t *Tiered) Stats() []TierStats {
	out := make([]TierStats, len(t.backends))
	for i, b := range t.backends {
		c := t.counters[i]
		out[i] = TierStats{
			Name:        b.Name(),
			Hits:        c.hits.Load(),
			Misses:      c.misses.Load(),
			Unavailable: c.unavailable.Load(),
			WriteErrors: c.writeErrors.Load(),
		}
	}
	return out
}

// Backends exposes the configured tiers in lookup order.
func (t *Tiered) Backends() []Backend {
	return t.backends
}

// Fields renders e as the flat string hash stored in Redis and import files.
func (e Entry) Fields() map[string]string {
	return map[string]string{
		"status":      string(e.State),
		"return_code": strconv.Itoa(e.ReturnCode),
		"fix_log":     e.FixLog,
		"fix_msg":     e.FixMsg,
		"fix_status":  e.FixStatus,
		"error":       e.Error,
		"timestamp":   e.Timestamp,
	}
}

// EntryFromFields is the inverse of Fields. Unknown states read as failed.
func EntryFromFields(m map[string]string) Entry {
	rc := domain.NoReturnCode
	if v, err := strconv.Atoi(m["return_code"]); err == nil {
		rc = v
	}
	state := domain.JobState(m["status"])
	if !state.Terminal() {
		state = domain.StateFailed
		if rc == 0 {
			state = domain.StateCompleted
		}
	}
	return Entry{
		State: state,
		Result: domain.Result{
			ReturnCode: rc,
			FixLog:     m["fix_log"],
			FixMsg:     m["fix_msg"],
			FixStatus:  m["fix_status"],
			Error:      m["error"],
			Timestamp:  m["timestamp"],
		},
	}
}
