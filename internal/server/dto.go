package server

import (
	"patchverify/internal/cache"
	"patchverify/internal/domain"
	"patchverify/internal/events"
	"patchverify/internal/patch"
)

// Request payloads

type BuildPatchRequest struct {
	BugID        string `json:"bug_id" minLength:"1" example:"nginx___njs@0123abc" doc:"Defect id, project@commit"`
	Response     string `json:"llm_response" doc:"Model answer holding the patch"`
	Method       string `json:"method,omitempty" example:"auto" doc:"auto, diff, direct, prefix, inline or inline+meta"`
	GenerateDiff bool   `json:"generate_diff,omitempty"`
	Persist      bool   `json:"persist,omitempty" doc:"Keep the patched file and diff under the patch directory"`
}

type SubmitRequest struct {
	BugID        string `json:"bug_id" minLength:"1" example:"nginx___njs@0123abc"`
	Response     string `json:"llm_response"`
	Method       string `json:"method,omitempty" example:"auto"`
	Persist      bool   `json:"persist,omitempty"`
	GenerateDiff bool   `json:"generate_diff,omitempty" doc:"With persist, also keep the diff under the patch directory"`
}

type ReproduceRequest struct {
	BugID        string `json:"bug_id" minLength:"1" example:"nginx___njs@0123abc"`
	ForceCleanup *bool  `json:"force_cleanup,omitempty" doc:"Run git clean -dfx in the checkout first; default true"`
}

// Response payloads

type PatchResponse struct {
	Success       bool   `json:"success"`
	BugID         string `json:"bug_id"`
	Strategy      string `json:"strategy"`
	Fingerprint   string `json:"fingerprint"`
	JobKey        string `json:"job_key"`
	SourcePath    string `json:"source_path"`
	FuncStartByte int    `json:"func_start_byte"`
	FuncEndByte   int    `json:"func_end_byte"`
	Replacement   string `json:"replacement"`
	Content       string `json:"content"`
	PatchContent  string `json:"patch_content,omitempty"`
	FixPath       string `json:"fix_p,omitempty"`
	FixDiffPath   string `json:"fix_p_diff,omitempty"`
}

type SubmitResponse struct {
	Handle string           `json:"handle"`
	JobKey string           `json:"job_key"`
	Job    domain.JobRecord `json:"job"`
}

type ReproduceResponse struct {
	Handle string           `json:"handle"`
	Job    domain.JobRecord `json:"job"`
}

type JobListResponse struct {
	Items []domain.JobRecord `json:"items"`
}

type HistoryResponse struct {
	Handle string         `json:"handle"`
	Events []events.Event `json:"events"`
}

type EvictResponse struct {
	JobKey  string `json:"job_key"`
	Evicted bool   `json:"evicted"`
}

type TierStatusResponse struct {
	cache.TierStats
	Reachable *bool  `json:"reachable,omitempty"`
	PingError string `json:"ping_error,omitempty"`
}

type CacheStatusResponse struct {
	Tiers []TierStatusResponse `json:"tiers"`
}

type ProjectsResponse struct {
	Projects []string `json:"projects"`
	Defects  int      `json:"defects"`
}

func patchResponse(a *patch.Artifact) PatchResponse {
	res := PatchResponse{
		Success:       true,
		BugID:         a.Defect.String(),
		Strategy:      a.Strategy.String(),
		Fingerprint:   string(a.Fingerprint),
		JobKey:        a.Key().String(),
		SourcePath:    a.SourcePath,
		FuncStartByte: a.Start,
		FuncEndByte:   a.End,
		Replacement:   a.Replacement,
		Content:       a.Content,
		PatchContent:  a.Diff,
	}
	if a.Persistent {
		res.FixPath = a.PatchedPath
		res.FixDiffPath = a.DiffPath
	}
	return res
}

func filterJobs(items []domain.JobRecord, status, kind string) []domain.JobRecord {
	out := make([]domain.JobRecord, 0, len(items))
	for _, j := range items {
		if (status == "" || string(j.State) == status) && (kind == "" || string(j.Kind) == kind) {
			out = append(out, j)
		}
	}
	return out
}
