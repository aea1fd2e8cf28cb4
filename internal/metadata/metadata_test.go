package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchverify/internal/domain"
)

const commit = "0123456789abcdef0123456789abcdef01234567"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "projects", "nginx___njs", "bugs_list.json"), `[
  {"commit_after": "`+commit+`", "files": {"src": ["src/njs_vm.c"], "src0_location": {"byte_start": 3, "byte_end": 23, "hunk_start_byte": 5, "hunk_end_byte": 9}}},
  {"commit_after": "", "files": {}}
]`)
	writeFile(t, filepath.Join(dir, "projects", "nginx___njs", "project.json"), `{}`)
	sources := filepath.Join(dir, "sources.jsonl")
	writeFile(t, sources, `{"id": "snap/`+commit+`___njs_vm.c", "content": "AAAint old(){return 0;}BBB"}`+"\n"+`{"id": "skipped"}`+"\n")
	affixes := filepath.Join(dir, "affixes.json")
	writeFile(t, affixes, `{"`+commit+`": {"prefix": "// head", "suffix": "// tail"}, "unknown": {"prefix": "x", "suffix": "y"}}`)

	cat, stats, err := Load(LoadOptions{Root: dir, Sources: sources, Affixes: affixes})
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Records: 1, Sources: 1, Affixes: 1}, stats)
	assert.Equal(t, []string{"nginx___njs"}, cat.Projects())

	id := domain.DefectID{Project: "nginx___njs", Commit: commit}
	loc, err := cat.ByteRange(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "src/njs_vm.c", loc.Path)
	assert.Equal(t, Range{Start: 3, End: 23}, loc.Function)
	require.NotNil(t, loc.Hunk)
	assert.Equal(t, Range{Start: 5, End: 9}, loc.DiffRange())
	assert.True(t, loc.HasAffixes)
	assert.Equal(t, "// head", loc.Prefix)

	src, err := cat.BaselineSource(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, commit+"___njs_vm.c", src.Name)
	assert.Equal(t, "njs_vm.c", loc.BaseName(src))
}

func TestCatalogMissingRecords(t *testing.T) {
	cat := NewCatalog()
	ctx := context.Background()
	_, err := cat.ByteRange(ctx, domain.DefectID{Project: "p", Commit: "c"})
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable)

	cat.Add(Location{Defect: domain.DefectID{Project: "p", Commit: "c"}}, Source{})
	_, err = cat.ByteRange(ctx, domain.DefectID{Project: "other", Commit: "c"})
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable, "project must match")
	_, err = cat.BaselineSource(ctx, domain.DefectID{Project: "p", Commit: "c"})
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable, "empty source is not cached")
}

func TestLoadRejectsBadSourceID(t *testing.T) {
	dir := t.TempDir()
	sources := filepath.Join(dir, "sources.jsonl")
	writeFile(t, sources, `{"id": "no-separator.c", "content": "x"}`)
	_, _, err := Load(LoadOptions{Sources: sources})
	assert.ErrorContains(t, err, "invalid id format")
}

func TestRangeValid(t *testing.T) {
	assert.True(t, Range{Start: 0, End: 0}.Valid(0))
	assert.True(t, Range{Start: 2, End: 5}.Valid(5))
	assert.False(t, Range{Start: 4, End: 2}.Valid(5))
	assert.False(t, Range{Start: 0, End: 6}.Valid(5))
	assert.False(t, Range{Start: -1, End: 2}.Valid(5))
}
