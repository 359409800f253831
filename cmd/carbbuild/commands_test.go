package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/carbbuild/internal/api"
	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/jobs"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSubmitBuild(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /builds": `{"key":"abc123","status":"pending"}`,
	})

	sub, err := submitBuild(ctx, ts.client(), api.BuildRequest{Spec: "DGlcpb1-OH", Repeat: 2, Dihedral: "1 2 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Key != "abc123" {
		t.Errorf("key = %q, want abc123", sub.Key)
	}
	if sub.Status != jobs.StatusPending {
		t.Errorf("status = %v, want pending", sub.Status)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/builds" {
		t.Errorf("request = %s %s, want POST /builds", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["spec"] != "DGlcpb1-OH" {
		t.Errorf("body.spec = %v", body["spec"])
	}
	if body["repeat"] != float64(2) {
		t.Errorf("body.repeat = %v, want 2", body["repeat"])
	}
	if body["dihedral"] != "1 2 3" {
		t.Errorf("body.dihedral = %v", body["dihedral"])
	}
}

func TestSubmitBuild_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"spec must not be empty","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()

	c := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	_, err := submitBuild(ctx, c, api.BuildRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "spec must not be empty") {
		t.Errorf("error = %q, want status and server message", err)
	}
}

func TestClient_NoTokenOmitsAuthHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /builds": `[]`,
	})
	c := ts.client()
	c.token = ""

	if _, err := listBuilds(ctx, c, "", 20, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Auth; got != "" {
		t.Errorf("auth = %q, want empty", got)
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	_, err := fetchBuild(ctx, c, "abc", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "server not reachable") {
		t.Errorf("error = %q", err)
	}
}

func TestFetchBuild(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /builds/abc123": `{"key":"abc123","status":"success","spec":"DGlcpb1-OH","version":"2.0",
			"created_at":"2024-01-02T03:04:05Z","companion_built":true,"structure":"ATOM",
			"linkages":[{"first_residue":"DGlcpb","first_position":1,"second_position":4,"second_residue":"DGlcpb","phi":-60,"psi":120}]}`,
	})

	v, err := fetchBuild(ctx, ts.client(), "abc123", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Path; got != "/builds/abc123?structure=true" {
		t.Errorf("path = %q", got)
	}
	if v.Status != jobs.StatusSuccess {
		t.Errorf("status = %v, want success", v.Status)
	}
	if !v.CompanionBuilt {
		t.Error("companion_built = false, want true")
	}
	if v.Structure != "ATOM" {
		t.Errorf("structure = %q", v.Structure)
	}
	if len(v.Linkages) != 1 || v.Linkages[0].Psi != 120 {
		t.Errorf("linkages = %+v", v.Linkages)
	}
}

func TestFetchBuild_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := fetchBuild(ctx, ts.client(), "missing", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want 404", err)
	}
}

func TestWaitForBuild_PollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"key":"k1","status":"pending","created_at":"2024-01-02T03:04:05Z"}`))
			return
		}
		w.Write([]byte(`{"key":"k1","status":"failed","fail_reason":"Unsupported specification","created_at":"2024-01-02T03:04:05Z"}`))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	v, err := waitForBuild(ctx, c, "k1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != jobs.StatusFailed {
		t.Errorf("status = %v, want failed", v.Status)
	}
	if v.FailReason != "Unsupported specification" {
		t.Errorf("fail_reason = %q", v.FailReason)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestWaitForBuild_ContextCancelled(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /builds/k1": `{"key":"k1","status":"pending","created_at":"2024-01-02T03:04:05Z"}`,
	})

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := waitForBuild(cctx, ts.client(), "k1", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected error from cancelled wait")
	}
}

func TestListBuilds(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /builds": `[{"key":"a","status":"success","created_at":"2024-01-02T03:04:05Z"},
			{"key":"b","status":"failed","created_at":"2024-01-01T03:04:05Z"}]`,
	})

	builds, err := listBuilds(ctx, ts.client(), "failed", 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("got %d builds, want 2", len(builds))
	}
	if got := ts.requests[0].Path; got != "/builds?limit=5&offset=10&status=failed" {
		t.Errorf("path = %q", got)
	}
}

func TestDownloadArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builds/k1/files/companion" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"companion artifact of build k1: not found","type":"not_found"}}`))
			return
		}
		w.Header().Set("Content-Type", "chemical/x-psf")
		w.Write([]byte("PSF\n"))
	}))
	defer srv.Close()
	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}

	var buf bytes.Buffer
	n, err := downloadArtifact(ctx, c, "k1", artifact.KindCompanion, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 || buf.String() != "PSF\n" {
		t.Errorf("got %d bytes %q", n, buf.String())
	}

	buf.Reset()
	if _, err := downloadArtifact(ctx, c, "k1", artifact.KindLog, &buf); err == nil {
		t.Error("expected error for missing artifact")
	}
	if buf.Len() != 0 {
		t.Errorf("error body written to output: %q", buf.String())
	}
}

func TestLoadDihedral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dihedral.txt")
	if err := os.WriteFile(path, []byte("-60 120\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got, err := loadDihedral("1 2", ""); err != nil || got != "1 2" {
		t.Errorf("inline = %q, %v", got, err)
	}
	if got, err := loadDihedral("", path); err != nil || got != "-60 120\n" {
		t.Errorf("file = %q, %v", got, err)
	}
	if got, err := loadDihedral("", ""); err != nil || got != "" {
		t.Errorf("empty = %q, %v", got, err)
	}
	if _, err := loadDihedral("1 2", path); err == nil {
		t.Error("expected error when both are given")
	}
	if _, err := loadDihedral("", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPrintBuild(t *testing.T) {
	noColor = true
	t.Cleanup(func() { noColor = false })

	finished := time.Date(2024, 1, 2, 3, 5, 0, 0, time.UTC)
	v := api.BuildView{
		Key:            "k1",
		Status:         jobs.StatusSuccess,
		Spec:           "DGlcpb1-4DGlcpb1-OH",
		Version:        "2.0",
		CreatedAt:      finished.Add(-time.Minute),
		FinishedAt:     &finished,
		CompanionBuilt: true,
		Linkages: []api.LinkageView{{
			FirstResidueID:  "1",
			FirstResidue:    "DGlcpb",
			FirstPosition:   1,
			SecondPosition:  4,
			SecondResidueID: "2",
			SecondResidue:   "DGlcpb",
			Phi:             -60,
			Psi:             120,
			Rest:            []float64{180},
		}},
	}

	var buf bytes.Buffer
	printBuild(&buf, v)
	out := buf.String()

	for _, want := range []string{
		"Key: k1",
		"Status: success",
		"PSF built: true",
		"#1 DGlcpb(1->4)#2 DGlcpb  phi=-60 psi=120 180",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Reason:") {
		t.Errorf("successful build printed a reason:\n%s", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q, want abc...", got)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
