package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"patchverify/internal/config"
	"patchverify/internal/domain"
	"patchverify/internal/jobs"
)

const commit = "0123456789abcdef0123456789abcdef01234567"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fixture(t *testing.T) (string, *config.Config) {
	t.Helper()
	ws := t.TempDir()
	src := filepath.Join(ws, "src")
	writeFile(t, filepath.Join(src, "projects", "demo", "bugs_list.json"),
		`[{"commit_after": "`+commit+`", "files": {"src": ["lib/demo.c"], "src0_location": {"byte_start": 3, "byte_end": 23}}}]`)
	writeFile(t, filepath.Join(src, "sources.jsonl"),
		`{"id": "`+commit+`___demo.c", "content": "AAAint old(){return 0;}BBB"}`+"\n")
	out := filepath.Join(ws, "out")
	writeFile(t, filepath.Join(out, "demo", "git_repo_dir_"+commit, "run_patch.sh"),
		"echo applying \"$1\"\necho ok > \"$PATCHVERIFY_MSG\"\necho 0 > \"$PATCHVERIFY_STATUS\"\n")

	cfg := config.Default()
	cfg.Paths.SrcRoot = src
	cfg.Paths.Sources = filepath.Join(src, "sources.jsonl")
	cfg.Paths.OutRoot = out
	cfg.Paths.PatchDir = filepath.Join(ws, "patches")
	cfg.Build.Shell = "sh"
	cfg.Build.DefaultTimeout = time.Minute
	cfg.Build.LargeTimeout = time.Minute
	return ws, cfg
}

func TestAppVerifiesAndCaches(t *testing.T) {
	ws, cfg := fixture(t)
	mr := miniredis.RunT(t)
	cfg.Redis.Addr = mr.Addr()
	ctx := context.Background()

	a, err := New(ctx, ws, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })
	require.NotNil(t, a.Redis)
	assert.Len(t, a.Cache.Backends(), 2)

	req := jobs.SubmitRequest{BugID: "demo@" + commit, Response: "```c\nint new(){return 1;}\n```"}
	sub, err := a.Jobs.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, sub.Record.State)
	a.Jobs.Wait()

	rec, err := a.Jobs.Status(ctx, sub.Handle)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, 0, rec.ReturnCode)
	assert.Contains(t, rec.FixLog, "applying")
	assert.Equal(t, "ok", rec.FixMsg)
	assert.True(t, mr.Exists(sub.Key.String()))

	again, err := a.Jobs.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Record.Cached)
	assert.Equal(t, domain.StateCompleted, again.Record.State)

	hist, err := a.Jobs.History(ctx, sub.Handle)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestAppReproducesBaseline(t *testing.T) {
	ws, cfg := fixture(t)
	cfg.Redis.Enabled = false
	writeFile(t, filepath.Join(cfg.Paths.OutRoot, "demo", "git_repo_dir_"+commit, "run_reproduce.sh"),
		"echo baseline still broken\nexit 1\n")
	ctx := context.Background()

	a, err := New(ctx, ws, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	sub, err := a.Jobs.Reproduce(ctx, jobs.ReproduceRequest{BugID: "demo@" + commit})
	require.NoError(t, err)
	a.Jobs.Wait()

	rec, err := a.Jobs.Status(ctx, sub.Handle)
	require.NoError(t, err)
	assert.Equal(t, domain.KindReproduce, rec.Kind)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Equal(t, 1, rec.ReturnCode)
	assert.Equal(t, "baseline still broken", rec.FixLog)

	hist, err := a.Jobs.History(ctx, sub.Handle)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "reproduce", hist[0].Payload["kind"])
}

func TestAppWithoutRedis(t *testing.T) {
	ws, cfg := fixture(t)
	cfg.Redis.Enabled = false
	cfg.Store.Driver = "memory"
	ctx := context.Background()

	a, err := New(ctx, ws, cfg, nil)
	require.NoError(t, err)
	defer a.Close(ctx)
	assert.Nil(t, a.Redis)
	require.Len(t, a.Cache.Backends(), 1)
	assert.Equal(t, "files", a.Cache.Backends()[0].Name())

	_, err = a.Jobs.History(ctx, "x")
	assert.ErrorIs(t, err, jobs.ErrNoHistory)
}

func TestAppBadCatalog(t *testing.T) {
	ws, cfg := fixture(t)
	cfg.Paths.Sources = filepath.Join(ws, "missing.jsonl")
	_, err := New(context.Background(), ws, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load catalog")
}
