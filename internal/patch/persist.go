package patch

import (
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactNames returns the patched-file and diff names for a persisted artifact.
func ArtifactNames(patchDir, project, fp, baseName string) (patched, diff string) {
	patched = filepath.Join(patchDir, project, fp+"@"+baseName)
	return patched, patched + ".patch"
}

// materialize writes the patched file and, when withDiff is set, the diff.
// A diff that was not requested is never persisted: it goes to a scratch
// directory so a persistent artifact only gains the patched file.
func (e Engine) materialize(a *Artifact, baseName, baseline string, withDiff, keepDiff bool) error {
	var dir string
	if a.Persistent {
		dir = filepath.Join(e.PatchDir, a.Defect.Project)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create patch dir: %w", err)
		}
		a.PatchedPath, a.DiffPath = ArtifactNames(e.PatchDir, a.Defect.Project, string(a.Fingerprint), baseName)
	} else {
		tmp, err := os.MkdirTemp(e.TempDir, "patch-")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		a.tmpDir = tmp
		dir = tmp
		a.PatchedPath = filepath.Join(dir, string(a.Fingerprint)+"@"+baseName)
		a.DiffPath = a.PatchedPath + ".patch"
	}
	if err := writeFileAtomic(a.PatchedPath, []byte(a.Content)); err != nil {
		return fmt.Errorf("write patched file: %w", err)
	}
	if !withDiff {
		a.DiffPath = ""
		return nil
	}
	raw := Unified(filepath.Join(dir, baseName), a.PatchedPath, baseline, a.Content)
	a.Diff = RewriteHeaders(raw, e.LogicalPath(a.Defect, a.SourcePath))
	if a.Persistent && !keepDiff {
		tmp, err := os.MkdirTemp(e.TempDir, "patch-")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		a.tmpDir = tmp
		a.DiffPath = filepath.Join(tmp, filepath.Base(a.DiffPath))
	}
	if err := writeFileAtomic(a.DiffPath, []byte(a.Diff)); err != nil {
		return fmt.Errorf("write diff: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path so concurrent identical requests never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
