package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"patchverify/internal/cache"
	"patchverify/internal/domain"
	"patchverify/internal/executor"
	"patchverify/internal/jobs"
	"patchverify/internal/metadata"
	"patchverify/internal/patch"
)

const (
	commit = "0123456789abcdef0123456789abcdef01234567"
	bugID  = "demo@" + commit
	answer = "```c\nint fix(){return 1;}\n```"
)

type okExec struct {
	calls    atomic.Int32
	cleanups atomic.Int32
}

func (e *okExec) Run(_ context.Context, art *patch.Artifact, _ time.Duration) (executor.Outcome, error) {
	e.calls.Add(1)
	return executor.Outcome{ExitCode: 0, Log: "applied " + string(art.Fingerprint), Status: "0"}, nil
}

func (e *okExec) Reproduce(_ context.Context, id domain.DefectID, opts executor.ReproduceOptions, _ time.Duration) (executor.Outcome, error) {
	if opts.ForceCleanup {
		e.cleanups.Add(1)
	}
	return executor.Outcome{ExitCode: 0, Log: "rebuilt " + id.String()}, nil
}

type testServer struct {
	URL    string
	client *http.Client
	jobs   *jobs.Service
	exec   *okExec
	redis  *miniredis.Miniredis
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	cat := metadata.NewCatalog()
	cat.Add(metadata.Location{
		Defect:   domain.DefectID{Project: "demo", Commit: commit},
		Path:     "src/old.c",
		Function: metadata.Range{Start: 3, End: 23},
	}, metadata.Source{Name: commit + "___old.c", Content: "AAAint old(){return 0;}BBB"})

	mr := miniredis.RunT(t)
	rds := cache.NewRedis(cache.RedisOptions{Addr: mr.Addr()})
	files := &cache.Files{OutRoot: t.TempDir()}
	tiers := cache.NewTiered(nil, rds, files)

	engine := &patch.Engine{Meta: cat, PatchDir: t.TempDir(), CheckoutRoot: "/out", TempDir: t.TempDir()}
	exec := &okExec{}
	svc := jobs.New(engine, exec, tiers, nil, nil)

	handler, err := New(Config{Jobs: svc, Catalog: cat, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		jobs:   svc,
		exec:   exec,
		redis:  mr,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			svc.Wait()
			rds.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestSubmitPollResubmit(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/verifications", map[string]any{
		"bug_id":       bugID,
		"llm_response": answer,
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var sub SubmitResponse
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if len(sub.Handle) != 32 || !strings.HasPrefix(sub.JobKey, "patch:"+bugID+":") {
		t.Fatalf("unexpected submission %+v", sub)
	}
	srv.jobs.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/verifications/"+sub.Handle, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.State != domain.StateCompleted || rec.ReturnCode != 0 || rec.Cached {
		t.Fatalf("expected fresh completed rc=0, got %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/verifications", map[string]any{
		"bug_id":       bugID,
		"llm_response": "```c\n  INT FIX(){RETURN 1;}  \n```",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("resubmit status %d: %s", res.StatusCode, string(data))
	}
	var again SubmitResponse
	_ = json.Unmarshal(data, &again)
	if !again.Job.Cached || again.Job.State != domain.StateCompleted || again.JobKey != sub.JobKey {
		t.Fatalf("expected cached completion for %s, got %+v", sub.JobKey, again)
	}
	if n := srv.exec.calls.Load(); n != 1 {
		t.Fatalf("executor ran %d times", n)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/verifications?status=completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list JobListResponse
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list.Items))
	}
}

func TestReproductions(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reproductions", map[string]any{"bug_id": bugID}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("reproduce status %d: %s", res.StatusCode, string(data))
	}
	var sub ReproduceResponse
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal reproduce: %v", err)
	}
	if len(sub.Handle) != 32 || sub.Job.Kind != domain.KindReproduce {
		t.Fatalf("unexpected reproduction %+v", sub)
	}
	srv.jobs.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/verifications/"+sub.Handle, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.JobRecord
	_ = json.Unmarshal(data, &rec)
	if rec.State != domain.StateCompleted || rec.FixLog != "rebuilt "+bugID || rec.Key != "" {
		t.Fatalf("expected completed reproduction, got %+v", rec)
	}
	if n := srv.exec.cleanups.Load(); n != 1 {
		t.Fatalf("force_cleanup should default to true, got %d cleanups", n)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/reproductions", map[string]any{"bug_id": bugID, "force_cleanup": false}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("reproduce status %d: %s", res.StatusCode, string(data))
	}
	srv.jobs.Wait()
	if n := srv.exec.cleanups.Load(); n != 1 {
		t.Fatalf("force_cleanup=false still cleaned, got %d cleanups", n)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/reproductions", map[string]any{"bug_id": "../../etc@x"}, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "err_invalid_bug_id_format" {
		t.Fatalf("expected invalid bug id, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/verifications?kind=reproduce", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list JobListResponse
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 reproductions, got %d", len(list.Items))
	}
	if srv.exec.calls.Load() != 0 {
		t.Fatalf("reproductions must not run patch builds")
	}

	if got := handleError(jobs.ErrNoReproducer).GetStatus(); got != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a reproducer, got %d", got)
	}
}

func TestConstructionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"bad id", map[string]any{"bug_id": "noatsign", "llm_response": answer}, "err_invalid_bug_id_format"},
		{"unknown defect", map[string]any{"bug_id": "demo@feed", "llm_response": answer}, "err_record_not_found"},
		{"no code block", map[string]any{"bug_id": bugID, "llm_response": "no fence here"}, "err_extract_code_fail"},
		{"mismatch", map[string]any{"bug_id": bugID, "method": "diff", "llm_response": "--- a\n+++ b\n-int other(){}\n+int x(){}\n"}, "err_context_mismatch_byte_range"},
		{"bad method", map[string]any{"bug_id": bugID, "method": "magic", "llm_response": answer}, "invalid_method"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/verifications", tc.body, nil)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
			}
			if got := decodeError(t, data).Code; got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
	jobsList, _ := srv.jobs.List(context.Background())
	if len(jobsList) != 0 {
		t.Fatalf("construction errors must not create jobs, got %d", len(jobsList))
	}
}

func TestBuildPatch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/patches", map[string]any{
		"bug_id":        bugID,
		"llm_response":  answer,
		"generate_diff": true,
		"persist":       true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("build status %d: %s", res.StatusCode, string(data))
	}
	var out PatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if !out.Success || out.Strategy != "direct" || out.FuncStartByte != 3 || out.FuncEndByte != 23 {
		t.Fatalf("unexpected patch %+v", out)
	}
	if out.Content != "AAAint fix(){return 1;}\nBBB" {
		t.Fatalf("unexpected content %q", out.Content)
	}
	if !strings.Contains(out.PatchContent, "+int fix(){return 1;}") || out.FixPath == "" || out.FixDiffPath == "" {
		t.Fatalf("expected persisted diff, got %+v", out)
	}
}

func TestNotFoundAndHistory(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/verifications/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/verifications/nope/history", nil, nil)
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("memory store keeps no history, got %d %s", res.StatusCode, string(data))
	}
}

func TestCacheEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/verifications", map[string]any{
		"bug_id": bugID, "llm_response": answer,
	}, nil)
	var sub SubmitResponse
	_ = json.Unmarshal(data, &sub)
	srv.jobs.Wait()
	if !srv.redis.Exists(sub.JobKey) {
		t.Fatalf("expected %s in redis", sub.JobKey)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/cache/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cache status %d: %s", res.StatusCode, string(data))
	}
	var st CacheStatusResponse
	_ = json.Unmarshal(data, &st)
	if len(st.Tiers) != 2 || st.Tiers[0].Name != "redis" || st.Tiers[0].Reachable == nil || !*st.Tiers[0].Reachable {
		t.Fatalf("unexpected tiers %+v", st.Tiers)
	}
	if st.Tiers[0].Misses != 2 {
		t.Fatalf("expected a miss on submit and on the pre-build lookup, got %+v", st.Tiers[0])
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/cache/"+url.PathEscape(sub.JobKey), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evict %d: %s", res.StatusCode, string(data))
	}
	var ev EvictResponse
	_ = json.Unmarshal(data, &ev)
	if !ev.Evicted || srv.redis.Exists(sub.JobKey) {
		t.Fatalf("expected eviction, got %+v", ev)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/cache/garbage", nil, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "invalid_job_key" {
		t.Fatalf("expected invalid_job_key, got %d %s", res.StatusCode, string(data))
	}
}

func TestProjectsAndHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("projects %d: %s", res.StatusCode, string(data))
	}
	var p ProjectsResponse
	_ = json.Unmarshal(data, &p)
	if len(p.Projects) != 1 || p.Projects[0] != "demo" || p.Defects != 1 {
		t.Fatalf("unexpected projects %+v", p)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected invalid credentials, got %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ci"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected ok with token, got %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	if !bytes.Contains(data, []byte(`"/v1/verifications/{handle}"`)) || !bytes.Contains(data, []byte("ApiError")) {
		t.Fatalf("openapi missing routes or error schema")
	}
}
