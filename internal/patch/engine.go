// Package patch splices untrusted patch candidates into the exact byte region
// of a defect's baseline source and materializes the result.
package patch

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"patchverify/internal/domain"
	"patchverify/internal/fingerprint"
	"patchverify/internal/metadata"
)

// Engine builds patch artifacts from raw responses.
type Engine struct {
	Meta metadata.Lookup
	// PatchDir receives persisted artifacts under <PatchDir>/<project>/.
	PatchDir string
	// CheckoutRoot is the logical root used in rewritten diff headers.
	CheckoutRoot string
	// TempDir holds ephemeral artifacts; empty means os.TempDir.
	TempDir string
}

// Request is one construction call.
type Request struct {
	Defect       string
	Response     string
	Strategy     Strategy
	GenerateDiff bool
	Persist      bool
	// BuildFile asks for a diff file on disk even when GenerateDiff is off.
	// Such a diff goes to a scratch directory that Release removes.
	BuildFile bool
}

// Artifact is the result of a successful construction.
type Artifact struct {
	Defect      domain.DefectID
	Strategy    Strategy
	SourcePath  string
	Start       int
	End         int
	Replacement string
	Content     string
	Fingerprint fingerprint.Fingerprint
	Diff        string
	PatchedPath string
	DiffPath    string
	Persistent  bool

	tmpDir string
}

// Key is the job key of the artifact.
func (a *Artifact) Key() fingerprint.Key {
	return fingerprint.JobKey(a.Defect, a.Fingerprint)
}

// Release removes ephemeral files. Persisted files under the patch
// directory are left alone.
func (a *Artifact) Release() error {
	if a == nil || a.tmpDir == "" {
		return nil
	}
	dir := a.tmpDir
	a.tmpDir = ""
	return os.RemoveAll(dir)
}

// Build resolves metadata, applies the chosen strategy and optionally writes files.
func (e Engine) Build(ctx context.Context, req Request) (*Artifact, error) {
	id, err := domain.ParseDefectID(req.Defect)
	if err != nil {
		return nil, err
	}
	if e.Meta == nil {
		return nil, domain.Errorf(domain.CodeMetadataUnavailable, "no metadata configured for %s", id)
	}
	loc, err := e.Meta.ByteRange(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := e.Meta.BaselineSource(ctx, id)
	if err != nil {
		return nil, err
	}

	strategy := Resolve(req.Strategy, req.Response)
	sp, err := splice(id, loc, src.Content, strategy, req.Response)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sp.replacement) == "" {
		return nil, domain.Errorf(domain.CodeEmptyPatchContent, "Cannot identify patch content")
	}

	art := &Artifact{
		Defect:      id,
		Strategy:    strategy,
		SourcePath:  loc.Path,
		Start:       sp.start,
		End:         sp.end,
		Replacement: sp.replacement,
		Content:     sp.content,
		Fingerprint: fingerprint.Of(sp.replacement),
		Persistent:  req.Persist,
	}
	withDiff := req.GenerateDiff || req.BuildFile
	if !withDiff && !req.Persist {
		return art, nil
	}
	if err := e.materialize(art, loc.BaseName(src), src.Content, withDiff, req.GenerateDiff); err != nil {
		_ = art.Release()
		return nil, err
	}
	return art, nil
}

type spliced struct {
	start, end  int
	replacement string
	content     string
}

func splice(id domain.DefectID, loc metadata.Location, source string, s Strategy, response string) (spliced, error) {
	switch s {
	case Diff, InlineMeta:
		return spliceDiff(id, loc.DiffRange(), source, response)
	case Direct:
		return spliceBlock(id, loc.Function, source, response, nil)
	case Prefix:
		if !loc.HasAffixes {
			return spliceBlock(id, loc.Function, source, response, nil)
		}
		return spliceBlock(id, loc.Function, source, response, func(block string) string {
			return strings.TrimSpace(loc.Prefix+"\n"+block+"\n"+loc.Suffix) + "\n"
		})
	default:
		return spliced{}, fmt.Errorf("unknown patch strategy %q", string(s))
	}
}

func checkRange(id domain.DefectID, r metadata.Range, source string) error {
	if !r.Valid(len(source)) {
		return domain.Errorf(domain.CodeMetadataUnavailable,
			"byte range [%d:%d] outside source of %d bytes for %s", r.Start, r.End, len(source), id)
	}
	return nil
}

func spliceDiff(id domain.DefectID, r metadata.Range, source, response string) (spliced, error) {
	if err := checkRange(id, r, source); err != nil {
		return spliced{}, err
	}
	old, added := diffLines(response)
	if len(old) == 0 && len(added) == 0 {
		return spliced{}, domain.Errorf(domain.CodeEmptyPatchContent, "Cannot identify patch content")
	}
	if !strings.Contains(source[r.Start:r.End], strings.Join(old, "\n")) {
		return spliced{}, domain.Errorf(domain.CodeContextMismatch,
			"Context mismatch in byte range [%d:%d] for %s", r.Start, r.End, id)
	}
	replacement := strings.Join(added, "\n") + "\n"
	return spliced{
		start:       r.Start,
		end:         r.Start + len(replacement),
		replacement: replacement,
		content:     source[:r.Start] + replacement + source[r.End:],
	}, nil
}

func spliceBlock(id domain.DefectID, r metadata.Range, source, response string, wrap func(string) string) (spliced, error) {
	block, ok := extractBlock(response)
	if !ok {
		return spliced{}, domain.Errorf(domain.CodeExtractionFailure, "markdown extract fail for %s", id)
	}
	if err := checkRange(id, r, source); err != nil {
		return spliced{}, err
	}
	replacement := block + "\n"
	if wrap != nil {
		replacement = wrap(block)
	}
	content, err := Splice(source, r, replacement)
	if err != nil {
		return spliced{}, err
	}
	return spliced{start: r.Start, end: r.End, replacement: replacement, content: content}, nil
}

// Splice replaces source[r.Start:r.End] with the trimmed, newline-terminated text.
func Splice(source string, r metadata.Range, text string) (string, error) {
	if !r.Valid(len(source)) {
		return "", domain.Errorf(domain.CodeMetadataUnavailable,
			"byte range [%d:%d] outside source of %d bytes", r.Start, r.End, len(source))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.Errorf(domain.CodeEmptyPatchContent, "Cannot identify patch content")
	}
	return source[:r.Start] + text + "\n" + source[r.End:], nil
}

// LogicalPath is where the defect's file lives inside its checkout.
func (e Engine) LogicalPath(id domain.DefectID, srcPath string) string {
	if srcPath == "" {
		srcPath = "unknown_path.cpp"
	}
	return path.Join("/", e.CheckoutRoot, id.Project, "git_repo_dir_"+id.Commit, srcPath)
}
