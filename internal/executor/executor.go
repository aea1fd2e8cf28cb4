// Package executor runs the project build and test script against a patch artifact.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"patchverify/internal/domain"
	"patchverify/internal/patch"
)

// Outcome is what one verification run produced.
type Outcome struct {
	ExitCode int
	TimedOut bool
	// Log, Msg and Status are bounded excerpts of the run's log files.
	Log    string
	Msg    string
	Status string
}

// Executor runs the build/test pipeline for an artifact.
type Executor interface {
	Run(ctx context.Context, art *patch.Artifact, timeout time.Duration) (Outcome, error)
}

// LogPaths are the per-run files under <out>/<project>/logs/.
type LogPaths struct {
	Log    string
	Msg    string
	Status string
}

// PathsFor returns the log file names for a defect and fingerprint.
func PathsFor(outRoot string, id domain.DefectID, fp string) LogPaths {
	base := filepath.Join(outRoot, id.Project, "logs", fmt.Sprintf("patch_%s_%s", id.Commit, fp))
	return LogPaths{Log: base + ".log", Msg: base + ".msg", Status: base + ".status"}
}

// CheckoutDir finds the defect's working tree, preferring the per-commit checkout.
func CheckoutDir(outRoot string, id domain.DefectID) (string, error) {
	candidates := []string{
		filepath.Join(outRoot, id.Project, "git_repo_dir_"+id.Commit),
		filepath.Join(outRoot, id.Project, "git_repo_dir"),
	}
	for _, dir := range candidates {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no checkout for %s under %s", id, outRoot)
}

// Script runs `<shell> <script> <patch file>` inside the defect checkout.
type Script struct {
	OutRoot string
	Shell   string
	Script  string
	// ReproduceScript rebuilds the unpatched baseline; default run_reproduce.sh.
	ReproduceScript string
	MaxLines        int
	MaxTokens       int
	Logger          *zap.Logger
}

func (s Script) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s Script) shell() string {
	if s.Shell == "" {
		return "bash"
	}
	return s.Shell
}

func (s Script) Run(ctx context.Context, art *patch.Artifact, timeout time.Duration) (Outcome, error) {
	if art == nil || art.DiffPath == "" {
		return Outcome{}, errors.New("artifact has no patch file")
	}
	dir, err := CheckoutDir(s.OutRoot, art.Defect)
	if err != nil {
		return Outcome{}, err
	}
	paths := PathsFor(s.OutRoot, art.Defect, string(art.Fingerprint))
	if err := os.MkdirAll(filepath.Dir(paths.Log), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(paths.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Outcome{}, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	script := s.Script
	if script == "" {
		script = "run_patch.sh"
	}
	env := []string{
		"PATCHVERIFY_LOG=" + paths.Log,
		"PATCHVERIFY_MSG=" + paths.Msg,
		"PATCHVERIFY_STATUS=" + paths.Status,
		"PATCHVERIFY_FINGERPRINT=" + string(art.Fingerprint),
	}
	log := s.logger().With(zap.String("bug_id", art.Defect.String()), zap.String("fingerprint", string(art.Fingerprint)))
	out, err := s.spawn(ctx, log, dir, logFile, env, timeout, s.shell(), script, art.DiffPath)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.collect(paths, &out); err != nil {
		log.Warn("read build logs", zap.Error(err))
	}
	return out, nil
}

// ReproduceOptions configure one baseline reproduction.
type ReproduceOptions struct {
	// Handle names the run's log file.
	Handle string
	// ForceCleanup runs `git clean -dfx` in the checkout first.
	ForceCleanup bool
}

// Reproducer rebuilds a defect's unpatched baseline.
type Reproducer interface {
	Reproduce(ctx context.Context, id domain.DefectID, opts ReproduceOptions, timeout time.Duration) (Outcome, error)
}

// ReproduceLog is the log file of one reproduction run.
func ReproduceLog(outRoot string, id domain.DefectID, handle string) string {
	return filepath.Join(outRoot, id.Project, "logs", fmt.Sprintf("%s_reproduce_%s.log", id.Commit, handle))
}

func (s Script) Reproduce(ctx context.Context, id domain.DefectID, opts ReproduceOptions, timeout time.Duration) (Outcome, error) {
	dir, err := CheckoutDir(s.OutRoot, id)
	if err != nil {
		return Outcome{}, err
	}
	path := ReproduceLog(s.OutRoot, id, opts.Handle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	script := s.ReproduceScript
	if script == "" {
		script = "run_reproduce.sh"
	}
	log := s.logger().With(zap.String("bug_id", id.String()), zap.String("handle", opts.Handle))
	if opts.ForceCleanup {
		// -e keeps a script that lives untracked inside the checkout.
		out, err := s.spawn(ctx, log, dir, logFile, nil, timeout, "git", "clean", "-dfx", "-e", script)
		if err != nil {
			return Outcome{}, err
		}
		if out.TimedOut || out.ExitCode != 0 {
			return Outcome{}, fmt.Errorf("git clean exited %d", out.ExitCode)
		}
	}
	out, err := s.spawn(ctx, log, dir, logFile, []string{"PATCHVERIFY_LOG=" + path}, timeout, s.shell(), script)
	if err != nil {
		return Outcome{}, err
	}
	if out.Log, err = ReadTail(path, s.MaxLines, s.MaxTokens); err != nil {
		log.Warn("read reproduce log", zap.Error(err))
	}
	return out, nil
}

// spawn runs name in dir with output appended to w. On timeout the whole
// process group is killed and the outcome is marked TimedOut.
func (s Script) spawn(ctx context.Context, log *zap.Logger, dir string, w *os.File, env []string, timeout time.Duration, name string, args ...string) (Outcome, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Env = append(os.Environ(), env...)
	setProcessGroup(cmd)

	log.Info("build started", zap.String("dir", dir), zap.Strings("argv", cmd.Args), zap.Duration("timeout", timeout))
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	out := Outcome{}
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return Outcome{}, fmt.Errorf("build cancelled: %w", ctx.Err())
	case <-timer:
		killProcessGroup(cmd)
		<-done
		out.TimedOut = true
		out.ExitCode = domain.NoReturnCode
	case err := <-done:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		default:
			return Outcome{}, fmt.Errorf("wait %s: %w", name, err)
		}
	}
	log.Info("build finished",
		zap.Int("return_code", out.ExitCode),
		zap.Bool("timed_out", out.TimedOut),
		zap.Duration("elapsed", time.Since(started)))
	return out, nil
}

func (s Script) collect(paths LogPaths, out *Outcome) error {
	var errs []error
	read := func(path string, dst *string) {
		v, err := ReadTail(path, s.MaxLines, s.MaxTokens)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = v
	}
	read(paths.Log, &out.Log)
	read(paths.Msg, &out.Msg)
	read(paths.Status, &out.Status)
	return errors.Join(errs...)
}
