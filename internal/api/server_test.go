package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/jobs"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/provider"
	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/stats"
	"github.com/kalambet/genreview/internal/storage"
	"github.com/kalambet/genreview/internal/telemetry"
)

const testToken = "test-token-12345"

type genFunc func(ctx context.Context, req provider.Request) (provider.Result, error)

func (f genFunc) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	return f(ctx, req)
}

func fillInBlank(_ context.Context, req provider.Request) (provider.Result, error) {
	return provider.Result{
		Payload: &payload.FillInBlank{Sentence: "The ___ sings at dawn.", Answer: req.TargetID, Confidence: 0.8},
		CostUSD: 0.001,
	}, nil
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	deps    Deps
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := telemetry.New(nil)
	cs := cache.New(store, cache.Options{Metrics: m})
	orch := jobs.New(jobs.Config{Workers: 2, InitialBackoff: time.Millisecond, DefaultProvider: "stub"},
		jobs.Deps{Store: store, Cache: cs, Generator: genFunc(fillInBlank), Metrics: m})
	t.Cleanup(orch.Close)

	deps := Deps{
		Store:        store,
		Orchestrator: orch,
		Review:       review.New(store, review.Options{Metrics: m}),
		Cache:        cs,
		Stats:        stats.NewAggregator(store, cs, nil, 0),
		Metrics:      m,
		Token:        testToken,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{handler: NewHandler(deps), store: store, deps: deps}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func (e *testEnv) generate(t *testing.T, target string) GenerateResponse {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/generate", fmt.Sprintf(`{"target_id":%q,"kind":"fill_in_blank"}`, target))
	if rr.Code != http.StatusOK {
		t.Fatalf("generate status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	return decode[GenerateResponse](t, rr)
}

func TestAuthRequiredOnV1(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		e.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if got := errorType(t, rr); got != "authentication_error" {
			t.Errorf("error type = %q, want authentication_error", got)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Error("missing WWW-Authenticate challenge")
		}
	}

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rr.Code)
	}
}

func TestGenerateThenCacheHit(t *testing.T) {
	e := newTestEnv(t, nil)

	first := e.generate(t, "cardinal")
	if first.Job.Status != "completed" || first.Job.CacheHit {
		t.Fatalf("first job = %+v, want completed miss", first.Job)
	}
	if len(first.ContentIDs) != 1 {
		t.Fatalf("content ids = %v, want 1", first.ContentIDs)
	}

	second := e.generate(t, "cardinal")
	if !second.Job.CacheHit || second.Job.CostUSD != 0 {
		t.Errorf("second job = %+v, want a free cache hit", second.Job)
	}
	if len(second.ContentIDs) != 0 {
		t.Errorf("cache hit materialized %d items, want 0", len(second.ContentIDs))
	}

	rr := e.do(t, http.MethodGet, "/v1/jobs/"+first.Job.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rr.Code)
	}
	if got := decode[Job](t, rr); got.Response == nil || got.Attempts != 1 {
		t.Errorf("stored job = %+v, want response and 1 attempt", got)
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"target_id":"x","kind":"essay"}`},
		{"missing target", `{"kind":"fill_in_blank"}`},
		{"vision without image", `{"target_id":"x","kind":"vision_annotation"}`},
		{"malformed", `{"target_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/v1/generate", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	if rr := e.do(t, http.MethodGet, "/v1/jobs?status=exploded", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/jobs/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rr.Code)
	}
}

func TestReviewFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.generate(t, "cardinal").ContentIDs[0]

	rr := e.do(t, http.MethodGet, "/v1/review/queue", "")
	q := decode[review.Queue](t, rr)
	if q.Total != 1 || q.Items[0].ID != id {
		t.Fatalf("queue = %+v, want the generated item", q)
	}

	rr = e.do(t, http.MethodPost, "/v1/review/items/"+id+"/approve", `{"actor":"alice","notes":"good"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if item := decode[storage.ContentItem](t, rr); item.Status != storage.ContentApproved || item.ReviewedBy != "alice" {
		t.Errorf("approved item = %+v", item)
	}

	rr = e.do(t, http.MethodPost, "/v1/review/items/"+id+"/reject", `{"actor":"bob","reason":"late"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("reject after approve status = %d, want 409", rr.Code)
	}

	rr = e.do(t, http.MethodGet, "/v1/review/items/"+id+"/history", "")
	if hist := decode[[]storage.ReviewHistoryEntry](t, rr); len(hist) != 1 || hist[0].Actor != "alice" {
		t.Errorf("history = %+v, want one entry by alice", hist)
	}
}

func TestReviewErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.generate(t, "cardinal").ContentIDs[0]

	tests := []struct {
		name string
		url  string
		body string
		code int
	}{
		{"missing item", "/v1/review/items/nope/approve", `{"actor":"alice"}`, http.StatusNotFound},
		{"no actor", "/v1/review/items/" + id + "/approve", `{}`, http.StatusBadRequest},
		{"edit without payload", "/v1/review/items/" + id + "/edit", `{"actor":"alice"}`, http.StatusBadRequest},
		{"edit wrong kind", "/v1/review/items/" + id + "/edit",
			`{"actor":"alice","payload":{"kind":"multiple_choice","data":{"question":"q","options":["a","b"],"correct_index":0}}}`,
			http.StatusBadRequest},
		{"edit invalid", "/v1/review/items/" + id + "/edit",
			`{"actor":"alice","payload":{"sentence":"no blank here","answer":"x"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, tt.url, tt.body)
			if rr.Code != tt.code {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.code, rr.Body.String())
			}
		})
	}
}

func TestEditAndBulk(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.generate(t, "cardinal").ContentIDs[0]
	b := e.generate(t, "robin").ContentIDs[0]

	rr := e.do(t, http.MethodPost, "/v1/review/items/"+a+"/edit",
		`{"actor":"alice","payload":{"sentence":"The ___ is red.","answer":"cardinal"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("edit status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/v1/review/bulk-reject",
		fmt.Sprintf(`{"ids":[%q,%q,"ghost"],"actor":"bob","reason":"off topic"}`, a, b))
	if rr.Code != http.StatusOK {
		t.Fatalf("bulk status = %d", rr.Code)
	}
	sum := decode[review.BulkSummary](t, rr)
	if sum.Succeeded != 1 || sum.Failed != 2 {
		t.Errorf("summary = %+v, want 1 succeeded (robin), 2 failed", sum)
	}
}

func TestBatchLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	rr := e.do(t, http.MethodPost, "/v1/batches", `{"target_ids":["a","b","c","a"],"kind":"fill_in_blank"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d; body = %s", rr.Code, rr.Body.String())
	}
	b := decode[Batch](t, rr)
	if b.TotalItems != 3 {
		t.Errorf("TotalItems = %d, want 3", b.TotalItems)
	}

	deadline := time.Now().Add(5 * time.Second)
	for b.Status != "completed" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		b = decode[Batch](t, e.do(t, http.MethodGet, "/v1/batches/"+b.ID, ""))
	}
	if b.Status != "completed" || b.SuccessfulItems != 3 {
		t.Fatalf("batch = %+v, want 3 successful", b)
	}

	items := decode[[]BatchItem](t, e.do(t, http.MethodGet, "/v1/batches/"+b.ID+"/items", ""))
	if len(items) != 3 || items[0].JobID == "" {
		t.Errorf("items = %+v", items)
	}
	errs := decode[[]BatchItemError](t, e.do(t, http.MethodGet, "/v1/batches/"+b.ID+"/errors", ""))
	if len(errs) != 0 {
		t.Errorf("errors = %+v, want none", errs)
	}

	if rr := e.do(t, http.MethodPost, "/v1/batches/"+b.ID+"/cancel", ""); rr.Code != http.StatusConflict {
		t.Errorf("cancel completed batch status = %d, want 409", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/batches/nope/items", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown batch items status = %d, want 404", rr.Code)
	}
}

func TestBatchRejectsEmptyTargets(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodPost, "/v1/batches", `{"target_ids":[" ",""],"kind":"fill_in_blank"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCacheInvalidateByRequest(t *testing.T) {
	e := newTestEnv(t, nil)
	e.generate(t, "cardinal")

	body := `{"target_id":" cardinal ","kind":"FILL_IN_BLANK"}`
	rr := e.do(t, http.MethodPost, "/v1/cache/invalidate", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodPost, "/v1/cache/invalidate", body); rr.Code != http.StatusNotFound {
		t.Errorf("second invalidate status = %d, want 404", rr.Code)
	}
	if again := e.generate(t, "cardinal"); again.Job.CacheHit {
		t.Error("generation after invalidation was served from cache")
	}
}

func TestCacheEvictNeedsBound(t *testing.T) {
	e := newTestEnv(t, nil)
	if rr := e.do(t, http.MethodPost, "/v1/cache/evict", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}

	e = newTestEnv(t, func(d *Deps) { d.MaxCacheEntries = 1 })
	e.generate(t, "a")
	e.generate(t, "b")
	rr := e.do(t, http.MethodPost, "/v1/cache/evict", "")
	if got := decode[map[string]int](t, rr); got["removed"] != 1 {
		t.Errorf("evict = %v, want 1 removed", got)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	e := newTestEnv(t, nil)
	e.generate(t, "cardinal")

	d := decode[stats.Dashboard](t, e.do(t, http.MethodGet, "/v1/stats", ""))
	if d.Queue.Depth != 1 {
		t.Errorf("queue depth = %d, want 1", d.Queue.Depth)
	}

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "genreview_jobs_finished_total") {
		t.Error("metrics missing jobs finished counter")
	}
}

func TestSnapshotRoutes(t *testing.T) {
	e := newTestEnv(t, nil)
	if rr := e.do(t, http.MethodGet, "/v1/stats/snapshot", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("without redis status = %d, want 503", rr.Code)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	e = newTestEnv(t, func(d *Deps) {
		d.Snapshots = stats.NewSnapshotter(client, d.Stats, stats.SnapshotterOptions{})
	})

	if rr := e.do(t, http.MethodGet, "/v1/stats/snapshot", ""); rr.Code != http.StatusNotFound {
		t.Errorf("before snapshot status = %d, want 404", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/stats/snapshot", ""); rr.Code != http.StatusOK {
		t.Fatalf("take snapshot status = %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/stats/snapshot", ""); rr.Code != http.StatusOK {
		t.Errorf("latest status = %d, want 200", rr.Code)
	}
	hist := decode[[]stats.Dashboard](t, e.do(t, http.MethodGet, "/v1/stats/snapshot?history=5", ""))
	if len(hist) != 1 {
		t.Errorf("history = %d, want 1", len(hist))
	}
}

// minimalPDF builds a one-page PDF that shows text.
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractPassage(t *testing.T) {
	e := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/passages/extract", bytes.NewReader(minimalPDF("El colibri vuela")))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/pdf")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if p := decode[Passage](t, rr); !strings.Contains(p.Text, "colibri") {
		t.Errorf("passage = %q, want the page text", p.Text)
	}

	if rr := e.do(t, http.MethodPost, "/v1/passages/extract", "plain text"); rr.Code != http.StatusBadRequest {
		t.Errorf("non-PDF status = %d, want 400", rr.Code)
	}
}
