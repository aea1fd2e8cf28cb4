package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"patchverify/internal/domain"
	"patchverify/internal/executor"
	"patchverify/internal/fingerprint"
)

// Files is the durable tier kept next to the build logs under
// <out>/<project>/logs/. Entries are first-writer-wins.
type Files struct {
	OutRoot   string
	MaxLines  int
	MaxTokens int
}

func (f *Files) Name() string { return "files" }

func (f *Files) paths(key fingerprint.Key) (executor.LogPaths, string) {
	p := executor.PathsFor(f.OutRoot, key.Defect, string(key.Fingerprint))
	return p, strings.TrimSuffix(p.Log, ".log") + ".json"
}

func (f *Files) Get(_ context.Context, key fingerprint.Key) (Entry, bool, error) {
	p, entryPath := f.paths(key)
	data, err := os.ReadFile(entryPath)
	switch {
	case err == nil:
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return Entry{}, false, fmt.Errorf("decode %s: %w", entryPath, err)
		}
		return e, true, nil
	case !errors.Is(err, os.ErrNotExist):
		return Entry{}, false, err
	}
	return f.legacy(p)
}

// legacy reads results written only as log files. A run counts as finished
// once its .status file holds a numeric exit code.
func (f *Files) legacy(p executor.LogPaths) (Entry, bool, error) {
	fi, err := os.Stat(p.Log)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := os.ReadFile(p.Status)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	rc, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return Entry{}, false, nil
	}

	e := Entry{State: domain.StateCompleted, Result: domain.Result{
		ReturnCode: rc,
		Timestamp:  fi.ModTime().UTC().Format(time.RFC3339),
	}}
	if rc != 0 {
		e.State = domain.StateFailed
		e.Error = fmt.Sprintf("Exit code %d", rc)
	}
	if e.FixLog, err = executor.ReadTail(p.Log, f.MaxLines, f.MaxTokens); err != nil {
		return Entry{}, false, err
	}
	if e.FixMsg, err = executor.ReadTail(p.Msg, f.MaxLines, f.MaxTokens); err != nil {
		return Entry{}, false, err
	}
	if e.FixStatus, err = executor.ReadTail(p.Status, f.MaxLines, f.MaxTokens); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (f *Files) Put(_ context.Context, key fingerprint.Key, e Entry) error {
	_, entryPath := f.paths(key)
	dir := filepath.Dir(entryPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmp.Name(), entryPath); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

func (f *Files) Delete(_ context.Context, key fingerprint.Key) (bool, error) {
	p, entryPath := f.paths(key)
	deleted := false
	var errs []error
	for _, path := range []string{entryPath, p.Log, p.Msg, p.Status} {
		err := os.Remove(path)
		switch {
		case err == nil:
			deleted = true
		case !errors.Is(err, os.ErrNotExist):
			errs = append(errs, err)
		}
	}
	return deleted, errors.Join(errs...)
}
