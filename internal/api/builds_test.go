package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/builder"
	"github.com/kalambet/carbbuild/internal/jobs"
	"github.com/kalambet/carbbuild/internal/parser"
	"github.com/kalambet/carbbuild/internal/storage"
)

const testToken = "test-token-12345"

// stubRunner stands in for the builder process. Specs containing "Xyl"
// fail as unsupported; everything else succeeds and writes a structure file.
type stubRunner struct {
	files *artifact.Store
	runs  atomic.Int32
	err   error
}

func (s *stubRunner) Prepare(spec builder.Spec) (*builder.Invocation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &builder.Invocation{Key: spec.Key, Args: []string{spec.Specification}, Paths: artifact.For(spec.Key)}, nil
}

func (s *stubRunner) Run(_ context.Context, inv *builder.Invocation) builder.Outcome {
	s.runs.Add(1)
	p := parser.New()
	if strings.Contains(inv.Args[0], "Xyl") {
		p.Feed("Residue not yet supported {Xyl}")
		return builder.Outcome{Result: p.Result()}
	}
	s.files.WriteFile(inv.Paths.Structure, []byte("ATOM      1  C1  MAN\n"))
	p.Feed("FINAL linkage: #2 aDMan(1->3)#1 aDMan: 60.0,-120.0,5.0")
	p.Feed("PDB file Built: " + inv.Paths.Structure)
	return builder.Outcome{Result: p.Result()}
}

type testServer struct {
	handler http.Handler
	manager *jobs.Manager
	runner  *stubRunner
}

func setupHandler(t *testing.T, token string) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files := artifact.NewStore(t.TempDir())
	runner := &stubRunner{files: files}
	mgr := jobs.NewManager(runner, store, files, jobs.Options{Version: "2.0"})

	return &testServer{
		handler: NewHandler(Deps{Builds: mgr, Token: token}),
		manager: mgr,
		runner:  runner,
	}
}

func (ts *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.manager.Wait(ctx); err != nil {
		t.Fatalf("waiting for builds: %v", err)
	}
}

func (ts *testServer) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doToken(t, method, url, body, testToken)
}

func (ts *testServer) doToken(t *testing.T, method, url, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) submit(t *testing.T, body string) SubmitResponse {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/builds", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var resp SubmitResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	return resp
}

func TestHealth_NoAuthRequired(t *testing.T) {
	ts := setupHandler(t, testToken)

	rr := ts.doToken(t, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestAuth(t *testing.T) {
	ts := setupHandler(t, testToken)

	for _, token := range []string{"", "wrong-token"} {
		rr := ts.doToken(t, http.MethodGet, "/builds", "", token)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
	if rr := ts.do(t, http.MethodGet, "/builds", ""); rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	ts := setupHandler(t, "")

	if rr := ts.doToken(t, http.MethodGet, "/builds", "", ""); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestSubmitBuild_Idempotent(t *testing.T) {
	ts := setupHandler(t, testToken)
	body := `{"spec":"aDMan(1->3)aDMan","repeat":1}`

	first := ts.submit(t, body)
	if first.Key == "" {
		t.Fatal("empty key")
	}
	ts.wait(t)
	second := ts.submit(t, body)

	if first.Key != second.Key {
		t.Errorf("keys differ: %s vs %s", first.Key, second.Key)
	}
	if second.Status != jobs.StatusSuccess {
		t.Errorf("second status = %v, want success", second.Status)
	}
	if n := ts.runner.runs.Load(); n != 1 {
		t.Errorf("builder ran %d times, want 1", n)
	}
}

func TestSubmitBuild_UsesServerVersion(t *testing.T) {
	ts := setupHandler(t, testToken)

	resp := ts.submit(t, `{"spec":"aDMan(1->3)aDMan","repeat":1,"version":"9.9"}`)
	ts.wait(t)

	want := jobs.Request{Spec: "aDMan(1->3)aDMan", RepeatCount: 1, Version: "2.0"}.Key()
	if resp.Key != want {
		t.Errorf("key = %s, want %s (configured builder version)", resp.Key, want)
	}
	rr := ts.do(t, http.MethodGet, "/builds/"+resp.Key, "")
	var view BuildView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Version != "2.0" {
		t.Errorf("version = %q, want 2.0", view.Version)
	}
}

func TestSubmitBuild_InputErrors(t *testing.T) {
	ts := setupHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"spec":`},
		{"empty spec", `{"spec":"  "}`},
		{"negative repeat", `{"spec":"X","repeat":-2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/builds", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSubmitBuild_LaunchError(t *testing.T) {
	ts := setupHandler(t, testToken)
	ts.runner.err = io.ErrUnexpectedEOF

	rr := ts.do(t, http.MethodPost, "/builds", `{"spec":"X"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Error.Type != "launch_error" {
		t.Errorf("error type = %q, want launch_error", body.Error.Type)
	}
}

func TestGetBuild_Success(t *testing.T) {
	ts := setupHandler(t, testToken)
	sub := ts.submit(t, `{"spec":"aDMan(1->3)aDMan","repeat":1}`)
	ts.wait(t)

	rr := ts.do(t, http.MethodGet, "/builds/"+sub.Key+"?structure=true", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var view BuildView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != jobs.StatusSuccess || view.FinishedAt == nil {
		t.Errorf("view = %+v", view)
	}
	if len(view.Linkages) != 1 {
		t.Fatalf("linkages = %+v", view.Linkages)
	}
	l := view.Linkages[0]
	if l.FirstResidueID != "2" || l.FirstPosition != 1 || l.SecondPosition != 3 || l.Phi != 60 || l.Psi != -120 {
		t.Errorf("linkage = %+v", l)
	}
	if len(l.Rest) != 1 || l.Rest[0] != 5 {
		t.Errorf("rest = %v", l.Rest)
	}
	if !strings.HasPrefix(view.Structure, "ATOM") {
		t.Errorf("structure = %q", view.Structure)
	}
	if view.Version != "2.0" || view.Repeat != 1 {
		t.Errorf("request fields = %+v", view)
	}
}

func TestGetBuild_Failure(t *testing.T) {
	ts := setupHandler(t, testToken)
	sub := ts.submit(t, `{"spec":"bDXyl(1->4)aDMan"}`)
	ts.wait(t)

	rr := ts.do(t, http.MethodGet, "/builds/"+sub.Key, "")
	var view BuildView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != jobs.StatusFailed || view.FailReason != "Unsupported Residues: Xyl" {
		t.Errorf("view = %+v", view)
	}
	if view.Linkages != nil {
		t.Errorf("failed build has linkages %v", view.Linkages)
	}

	log := ts.do(t, http.MethodGet, "/builds/"+sub.Key+"/files/log", "")
	if log.Code != http.StatusOK {
		t.Fatalf("log status = %d", log.Code)
	}
	if !strings.Contains(log.Body.String(), "not yet supported") {
		t.Errorf("log = %q", log.Body.String())
	}
}

func TestGetBuild_NotFound(t *testing.T) {
	ts := setupHandler(t, testToken)

	if rr := ts.do(t, http.MethodGet, "/builds/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetBuildFile(t *testing.T) {
	ts := setupHandler(t, testToken)
	sub := ts.submit(t, `{"spec":"aDMan(1->3)aDMan"}`)
	ts.wait(t)

	rr := ts.do(t, http.MethodGet, "/builds/"+sub.Key+"/files/structure", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "chemical/x-pdb" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, sub.Key+".pdb") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	if rr := ts.do(t, http.MethodGet, "/builds/"+sub.Key+"/files/companion", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing companion: status = %d, want 404", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/builds/"+sub.Key+"/files/bogus", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus kind: status = %d, want 400", rr.Code)
	}
}

func TestListBuilds(t *testing.T) {
	ts := setupHandler(t, testToken)
	ts.submit(t, `{"spec":"aDMan(1->3)aDMan"}`)
	ts.submit(t, `{"spec":"bDXyl(1->4)aDMan"}`)
	ts.wait(t)

	rr := ts.do(t, http.MethodGet, "/builds?status=failed", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var views []BuildView
	if err := json.NewDecoder(rr.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Status != jobs.StatusFailed {
		t.Errorf("views = %+v", views)
	}

	if rr := ts.do(t, http.MethodGet, "/builds?status=running", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: status = %d, want 400", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/health", "")
	var health HealthResponse
	json.NewDecoder(rr.Body).Decode(&health)
	if health.Builds["success"] != 1 || health.Builds["failed"] != 1 {
		t.Errorf("health builds = %v", health.Builds)
	}
}
