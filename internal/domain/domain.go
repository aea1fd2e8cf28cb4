package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DefectID identifies one defect as project@commit.
type DefectID struct {
	Project string `json:"project"`
	Commit  string `json:"commit"`
}

// ParseDefectID splits "project@commit" at the first '@'. Both parts name
// directories under the output root, so path separators and dot segments
// are rejected.
func ParseDefectID(s string) (DefectID, error) {
	project, commit, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || project == "" || commit == "" {
		return DefectID{}, Errorf(CodeInvalidDefectID, "bug_id must be 'project@sha', got: %s", s)
	}
	if !safeSegment(project) || !safeSegment(commit) {
		return DefectID{}, Errorf(CodeInvalidDefectID, "bug_id must not contain path elements, got: %s", s)
	}
	return DefectID{Project: project, Commit: commit}, nil
}

func safeSegment(s string) bool {
	return s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

func (d DefectID) String() string {
	return d.Project + "@" + d.Commit
}

// JobState is the lifecycle state of a verification job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[JobState][]JobState{
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StateCompleted, StateFailed},
}

// CheckTransition reports whether a job may move from one state to another.
func CheckTransition(from, to JobState) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// JobKind tells verification jobs from baseline reproductions.
type JobKind string

const (
	KindVerify    JobKind = "verify"
	KindReproduce JobKind = "reproduce"
)

// NoReturnCode marks a result whose build never produced an exit code.
const NoReturnCode = -1

// Result is the outcome of one verification run.
type Result struct {
	ReturnCode int    `json:"return_code"`
	FixLog     string `json:"fix_log"`
	FixMsg     string `json:"fix_msg"`
	FixStatus  string `json:"fix_status"`
	Error      string `json:"error"`
	Timestamp  string `json:"timestamp"`
}

// JobRecord is the pollable state of one submitted job.
type JobRecord struct {
	Handle    string   `json:"handle"`
	Kind      JobKind  `json:"kind" enum:"verify,reproduce"`
	Key       string   `json:"job_key,omitempty"`
	BugID     string   `json:"bug_id"`
	State     JobState `json:"status" enum:"queued,running,completed,failed"`
	Cached    bool     `json:"cached"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
	Result
}

// ValidateNew checks a record about to be inserted: it needs a handle and
// starts either queued or, for cache hits, already terminal.
func (r JobRecord) ValidateNew() error {
	if r.Handle == "" {
		return errors.New("job handle is required")
	}
	if r.State != StateQueued && !r.State.Terminal() {
		return fmt.Errorf("%w: new job cannot start %s", ErrInvalidTransition, r.State)
	}
	return nil
}
