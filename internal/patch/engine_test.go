package patch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchverify/internal/domain"
	"patchverify/internal/metadata"
)

const baseline = "#include <stdio.h>\n" +
	"\n" +
	"int old(void)\n" +
	"{\n" +
	"  return 0;\n" +
	"}\n" +
	"\n" +
	"int main(void)\n" +
	"{\n" +
	"  return old();\n" +
	"}\n"

const function = "int old(void)\n{\n  return 0;\n}\n"

var defect = domain.DefectID{Project: "proj", Commit: "abc"}

func newEngine(t *testing.T, affixes bool) Engine {
	t.Helper()
	start := strings.Index(baseline, function)
	require.GreaterOrEqual(t, start, 0)
	hunkStart := strings.Index(baseline, "  return 0;\n")
	loc := metadata.Location{
		Defect:   defect,
		Path:     "src/old.c",
		Function: metadata.Range{Start: start, End: start + len(function)},
		Hunk:     &metadata.Range{Start: hunkStart, End: hunkStart + len("  return 0;\n")},
	}
	cat := metadata.NewCatalog()
	cat.Add(loc, metadata.Source{Name: "abc___old.c", Content: baseline})
	if affixes {
		cat.SetAffixes(defect.Commit, "int old(void)\n{", "}")
	}
	return Engine{
		Meta:         cat,
		PatchDir:     filepath.Join(t.TempDir(), "patches"),
		CheckoutRoot: "/out",
		TempDir:      t.TempDir(),
	}
}

func build(t *testing.T, e Engine, req Request) (*Artifact, error) {
	t.Helper()
	if req.Defect == "" {
		req.Defect = defect.String()
	}
	return e.Build(context.Background(), req)
}

func TestSpliceRoundTrip(t *testing.T) {
	// Ranges are half-open: End is the first byte kept after the function, so
	// "int old(){return 0;}" at offset 3 ends at 23, not at its closing brace.
	out, err := Splice("AAAint old(){return 0;}BBB", metadata.Range{Start: 3, End: 23}, "int fix(){return 1;}\n")
	require.NoError(t, err)
	assert.Equal(t, "AAAint fix(){return 1;}\nBBB", out)
}

func TestSpliceRejectsBadRange(t *testing.T) {
	_, err := Splice("short", metadata.Range{Start: 2, End: 9}, "x")
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable)
	_, err = Splice("short", metadata.Range{Start: 1, End: 2}, "  \n")
	assert.ErrorIs(t, err, domain.ErrEmptyPatchContent)
}

func TestResolve(t *testing.T) {
	cases := map[string]Strategy{
		"--- a/x.c\n+++ b/x.c":   Diff,
		"diff --git a/x b/x":     Diff,
		"\n  @@ -1 +1 @@\n-a\n+b": Diff,
		"```c\nint x;\n```":      Direct,
		"here is the fix: ---":   Direct,
	}
	for in, want := range cases {
		assert.Equal(t, want, Resolve(Auto, in), in)
	}
	assert.Equal(t, Prefix, Resolve(Prefix, "--- a/x"))
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": Auto, "inline": Direct, "DIFF": Diff, "inline+meta": InlineMeta, "prefix": Prefix} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("magic")
	assert.Error(t, err)
}

func TestDirectWithDiffGolden(t *testing.T) {
	e := newEngine(t, false)
	art, err := build(t, e, Request{
		Response:     "Here you go:\n```c\nint old(void)\n{\n  return 1;\n}\n```\nthanks",
		GenerateDiff: true,
	})
	require.NoError(t, err)
	defer art.Release()

	assert.Equal(t, Direct, art.Strategy)
	assert.Equal(t, strings.Replace(baseline, "return 0;", "return 1;", 1), art.Content)
	assert.Equal(t, "int old(void)\n{\n  return 1;\n}\n", art.Replacement)
	assert.FileExists(t, art.PatchedPath)
	assert.FileExists(t, art.DiffPath)

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "direct_diff", []byte(art.Diff))
}

func TestReleaseRemovesEphemeralFiles(t *testing.T) {
	e := newEngine(t, false)
	art, err := build(t, e, Request{Response: "```\nint old(void){return 1;}\n```", GenerateDiff: true})
	require.NoError(t, err)
	require.FileExists(t, art.PatchedPath)
	require.NoError(t, art.Release())
	assert.NoFileExists(t, art.PatchedPath)
	assert.NoFileExists(t, art.DiffPath)
	assert.NoError(t, art.Release())
}

func TestPersistUsesDeterministicNames(t *testing.T) {
	e := newEngine(t, false)
	req := Request{Response: "```c\nint old(void){return 1;}\n```", GenerateDiff: true, Persist: true}
	first, err := build(t, e, req)
	require.NoError(t, err)
	second, err := build(t, e, req)
	require.NoError(t, err)

	patched, diff := ArtifactNames(e.PatchDir, "proj", string(first.Fingerprint), "old.c")
	assert.Equal(t, patched, first.PatchedPath)
	assert.Equal(t, diff, first.DiffPath)
	assert.Equal(t, first.PatchedPath, second.PatchedPath)

	require.NoError(t, first.Release())
	assert.FileExists(t, patched)
	data, err := os.ReadFile(diff)
	require.NoError(t, err)
	assert.Equal(t, first.Diff, string(data))
}

func TestPersistWithoutDiffKeepsOnlyPatchedFile(t *testing.T) {
	e := newEngine(t, false)
	art, err := build(t, e, Request{Response: "```c\nint old(void){return 1;}\n```", Persist: true, BuildFile: true})
	require.NoError(t, err)

	patched, persistedDiff := ArtifactNames(e.PatchDir, "proj", string(art.Fingerprint), "old.c")
	assert.Equal(t, patched, art.PatchedPath)
	assert.FileExists(t, patched)
	assert.NoFileExists(t, persistedDiff)
	require.NotEmpty(t, art.DiffPath)
	assert.NotEqual(t, persistedDiff, art.DiffPath)
	assert.FileExists(t, art.DiffPath, "the build still gets a diff file")

	require.NoError(t, art.Release())
	assert.NoFileExists(t, art.DiffPath)
	assert.FileExists(t, patched)

	plain, err := build(t, e, Request{Response: "```c\nint old(void){return 1;}\n```", Persist: true})
	require.NoError(t, err)
	assert.Empty(t, plain.DiffPath)
	assert.Empty(t, plain.Diff)
	assert.NoFileExists(t, persistedDiff)
}

func TestDiffStrategyUsesHunkRange(t *testing.T) {
	e := newEngine(t, false)
	art, err := build(t, e, Request{Response: "--- a/src/old.c\n+++ b/src/old.c\n@@ -5 +5 @@\n-  return 0;  \n+  return 1;\n"})
	require.NoError(t, err)

	hunkStart := strings.Index(baseline, "  return 0;\n")
	assert.Equal(t, Diff, art.Strategy)
	assert.Equal(t, hunkStart, art.Start)
	assert.Equal(t, hunkStart+len("  return 1;")+1, art.End)
	assert.Equal(t, strings.Replace(baseline, "return 0;", "return 1;", 1), art.Content)
	assert.Empty(t, art.PatchedPath)
}

func TestInlineMetaIgnoresHeaders(t *testing.T) {
	e := newEngine(t, false)
	art, err := build(t, e, Request{Strategy: InlineMeta, Response: "--- a/elsewhere.c\n+++ b/elsewhere.c\n-  return 0;\n+  return 2;\n"})
	require.NoError(t, err)
	assert.Contains(t, art.Content, "  return 2;\n")
}

func TestContextMismatchWritesNothing(t *testing.T) {
	e := newEngine(t, false)
	_, err := build(t, e, Request{Response: "--- a\n+++ b\n-  return 7;\n+  return 1;\n", Persist: true, GenerateDiff: true})
	require.ErrorIs(t, err, domain.ErrContextMismatch)
	hunkStart := strings.Index(baseline, "  return 0;\n")
	assert.Contains(t, err.Error(), "Context mismatch in byte range [")
	assert.Contains(t, err.Error(), "for proj@abc")
	assert.Contains(t, err.Error(), "["+strconv.Itoa(hunkStart)+":")
	_, statErr := os.Stat(e.PatchDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConstructionFailures(t *testing.T) {
	e := newEngine(t, false)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"bad defect", Request{Defect: "noatsign", Response: "```x```"}, domain.ErrInvalidDefectID},
		{"unknown defect", Request{Defect: "proj@zzz", Response: "```x```"}, domain.ErrMetadataUnavailable},
		{"no fence", Request{Response: "int old(void){return 1;}"}, domain.ErrExtractionFailure},
		{"blank fence", Request{Response: "```c\n   \n```"}, domain.ErrExtractionFailure},
		{"empty diff", Request{Strategy: Diff, Response: "--- a/x\n+++ b/x\n"}, domain.ErrEmptyPatchContent},
		{"removal only", Request{Strategy: Diff, Response: "-  return 0;\n"}, domain.ErrEmptyPatchContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := build(t, e, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOutOfRangeOffsets(t *testing.T) {
	cat := metadata.NewCatalog()
	cat.Add(metadata.Location{Defect: defect, Function: metadata.Range{Start: 5, End: 500}}, metadata.Source{Content: "tiny source"})
	_, err := Engine{Meta: cat}.Build(context.Background(), Request{Defect: defect.String(), Response: "```\nx\n```"})
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable)
}

func TestPrefixWrapsBlockWithAffixes(t *testing.T) {
	e := newEngine(t, true)
	art, err := build(t, e, Request{Strategy: Prefix, Response: "```\n  return 1;\n```"})
	require.NoError(t, err)
	assert.Equal(t, "int old(void)\n{\nreturn 1;\n}\n", art.Replacement)
	loc, _ := e.Meta.ByteRange(context.Background(), defect)
	assert.Equal(t, loc.Function.Start, art.Start)
	assert.Equal(t, loc.Function.End, art.End)
}

func TestPrefixWithoutAffixesMatchesDirect(t *testing.T) {
	e := newEngine(t, false)
	resp := "```c\nint old(void)\n{\n  return 1;\n}\n```"
	direct, err := build(t, e, Request{Strategy: Direct, Response: resp})
	require.NoError(t, err)
	prefix, err := build(t, e, Request{Strategy: Prefix, Response: resp})
	require.NoError(t, err)
	assert.Equal(t, direct.Content, prefix.Content)
	assert.Equal(t, direct.Fingerprint, prefix.Fingerprint)
}

func TestEquivalentResponsesShareFingerprint(t *testing.T) {
	e := newEngine(t, false)
	a, err := build(t, e, Request{Response: "```c\nint old(void){return 1;}\n```"})
	require.NoError(t, err)
	b, err := build(t, e, Request{Response: "sure!\n```\n\n  INT OLD(VOID){RETURN 1;}  \n```"})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.Key(), b.Key())
}
