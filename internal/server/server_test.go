package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/recipe-agent/internal/config"
	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/db/sqlite"
	"github.com/jonathan/recipe-agent/internal/pipeline"
	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/server/ratelimit"
	"github.com/jonathan/recipe-agent/internal/stages"
)

// stubStage fills its payload slot, optionally waiting on gate first.
type stubStage struct {
	step     recipe.Step
	requires []recipe.Step
	gate     chan struct{}
	err      error
}

func (s *stubStage) Step() recipe.Step       { return s.step }
func (s *stubStage) Requires() []recipe.Step { return s.requires }

func (s *stubStage) Execute(ctx context.Context, p *stages.Payloads) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	switch s.step {
	case recipe.StepVerifying:
		p.Verify = &stages.VerifyResult{VideoID: "vid", IsCooking: true, Title: "Pho"}
	case recipe.StepCaptioning:
		p.Captions = &stages.Captions{Language: "en", Segments: []stages.CaptionSegment{{Text: "hi"}}}
	case recipe.StepExtractingDetail:
		p.Detail = &stages.Detail{Title: "Pho", Ingredients: []stages.Ingredient{{Name: "beef"}}}
	case recipe.StepExtractingSteps:
		p.Steps = &stages.StepList{Steps: []stages.CookingStep{{Subtitle: "Broth"}}}
	case recipe.StepTagging:
		p.Tags = &stages.TagList{Tags: []string{"soup"}}
	}
	return nil
}

// stubCredit accepts every spend unless spendErr is set.
type stubCredit struct {
	mu       sync.Mutex
	spendErr error
}

func (c *stubCredit) Spend(context.Context, credit.Charge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spendErr
}

func (c *stubCredit) Refund(context.Context, credit.Charge) error { return nil }

func (c *stubCredit) setSpendErr(err error) {
	c.mu.Lock()
	c.spendErr = err
	c.mu.Unlock()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	server  *Server
	handler http.Handler
	orch    *pipeline.Orchestrator
	jwt     *JWTService
	credit  *stubCredit
	verify  *stubStage
	caption *stubStage
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := &stubCredit{}
	verify := &stubStage{step: recipe.StepVerifying, requires: []recipe.Step{recipe.StepReady}}
	caption := &stubStage{step: recipe.StepCaptioning, requires: []recipe.Step{recipe.StepVerifying}}
	ss := []stages.Stage{
		verify,
		caption,
		&stubStage{step: recipe.StepExtractingDetail, requires: []recipe.Step{recipe.StepVerifying, recipe.StepCaptioning}},
		&stubStage{step: recipe.StepExtractingSteps, requires: []recipe.Step{recipe.StepCaptioning, recipe.StepExtractingDetail}},
		&stubStage{step: recipe.StepTagging, requires: []recipe.Step{recipe.StepExtractingDetail}},
	}

	orch, err := pipeline.New(pipeline.Deps{
		Store:  store,
		Guard:  credit.NewGuard(svc, store, nil),
		Stages: ss,
	}, pipeline.Options{BackoffBase: -1})
	require.NoError(t, err)
	t.Cleanup(orch.Wait)

	jwtService := NewJWTService(&config.JWTConfig{
		Secret:          "test-secret-key-for-jwt-signing-minimum-32-bytes",
		ExpirationHours: 1,
	})

	deps := Deps{
		Recipes: orch,
		Tokens:  jwtService.AsTokenValidator(),
		Health:  map[string]Pinger{"database": store},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	s, err := New(Config{Port: 0, PollInterval: 10 * time.Millisecond}, deps)
	require.NoError(t, err)

	return &testEnv{
		server:  s,
		handler: s.Handler(),
		orch:    orch,
		jwt:     jwtService,
		credit:  svc,
		verify:  verify,
		caption: caption,
	}
}

func (e *testEnv) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := e.jwt.GenerateToken(userID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) create(t *testing.T, token, url string) uuid.UUID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/recipes", token, `{"source_url":"`+url+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp CreateRecipeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.RecipeID
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, map[string]any{"database": "ok"}, resp["checks"])
}

func TestHealth_Degraded(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Health["credit"] = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	})

	w := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "degraded", resp["status"])
}

func TestRecipes_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/recipes"},
		{http.MethodGet, "/recipes"},
		{http.MethodGet, "/recipes/" + uuid.NewString()},
		{http.MethodDelete, "/recipes/" + uuid.NewString()},
		{http.MethodGet, "/recipes/" + uuid.NewString() + "/progress/stream"},
	} {
		w := env.do(t, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
	}

	w := env.do(t, http.MethodGet, "/recipes", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateRecipe(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())

	w := env.do(t, http.MethodPost, "/recipes", token, `{"source_url":"https://youtu.be/abc123"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[CreateRecipeResponse](t, w)
	assert.NotEqual(t, uuid.Nil, resp.RecipeID)
	assert.Equal(t, recipe.StatusInProgress, resp.Status)
	assert.Equal(t, "/recipes/"+resp.RecipeID.String(), w.Header().Get("Location"))

	env.orch.Wait()
	r, err := env.orch.Status(context.Background(), resp.RecipeID)
	require.NoError(t, err)
	assert.Equal(t, recipe.StatusSuccess, r.Status)
}

func TestCreateRecipe_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, env.token(t, uuid.New()), "https://www.youtube.com/watch?v=abc123")

	w := env.do(t, http.MethodPost, "/recipes", env.token(t, uuid.New()), `{"source_url":"https://youtu.be/abc123?si=share"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "DUPLICATE_REQUEST", resp.Code)
	require.NotNil(t, resp.RecipeID)
	assert.Equal(t, first, *resp.RecipeID)
}

func TestCreateRecipe_CreditRefused(t *testing.T) {
	tests := []struct {
		name   string
		kind   credit.Kind
		status int
	}{
		{"insufficient", credit.KindInsufficient, http.StatusPaymentRequired},
		{"invalid user", credit.KindInvalidUser, http.StatusForbidden},
		{"unavailable", credit.KindUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.credit.setSpendErr(&credit.Error{Kind: tt.kind, Op: "spend"})

			token := env.token(t, uuid.New())
			w := env.do(t, http.MethodPost, "/recipes", token, `{"source_url":"https://youtu.be/abc123"}`)
			assert.Equal(t, tt.status, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, string(tt.kind), resp.Code)
			require.NotNil(t, resp.RecipeID)

			w = env.do(t, http.MethodGet, "/recipes/"+resp.RecipeID.String(), token, "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, recipe.StatusFailed, decode[RecipeResponse](t, w).Status)

			// The source url stays claimed by the failed recipe.
			env.credit.setSpendErr(nil)
			w = env.do(t, http.MethodPost, "/recipes", token, `{"source_url":"https://youtu.be/abc123"}`)
			assert.Equal(t, http.StatusConflict, w.Code)
			dup := decode[ErrorResponse](t, w)
			require.NotNil(t, dup.RecipeID)
			assert.Equal(t, *resp.RecipeID, *dup.RecipeID)
		})
	}
}

func TestCreateRecipe_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())

	for name, body := range map[string]string{
		"invalid json":       `{"source_url":`,
		"missing url":        `{}`,
		"not a url":          `{"source_url":"recipe please"}`,
		"unsupported scheme": `{"source_url":"ftp://example.com/video"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/recipes", token, body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestGetRecipe_CountsViews(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())
	id := env.create(t, token, "https://youtu.be/abc123")
	env.orch.Wait()

	// Any authenticated user may read a recipe.
	other := env.token(t, uuid.New())
	for want := int64(1); want <= 2; want++ {
		w := env.do(t, http.MethodGet, "/recipes/"+id.String(), other, "")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[RecipeResponse](t, w)
		assert.Equal(t, recipe.StatusSuccess, resp.Status)
		assert.Equal(t, recipe.StepDone, resp.Step)
		assert.Equal(t, want, resp.ViewCount)
	}
}

func TestGetRecipe_Errors(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())

	w := env.do(t, http.MethodGet, "/recipes/"+uuid.NewString(), token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodGet, "/recipes/not-a-uuid", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRecipes(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	token := env.token(t, user)
	env.create(t, token, "https://youtu.be/one")
	env.create(t, token, "https://youtu.be/two")
	env.create(t, env.token(t, uuid.New()), "https://youtu.be/three")
	env.orch.Wait()

	w := env.do(t, http.MethodGet, "/recipes", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string][]RecipeResponse](t, w)
	assert.Len(t, resp["recipes"], 2)

	w = env.do(t, http.MethodGet, "/recipes?status=SUCCESS&limit=1", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[map[string][]RecipeResponse](t, w)
	require.Len(t, resp["recipes"], 1)
	assert.Equal(t, recipe.StatusSuccess, resp["recipes"][0].Status)

	w = env.do(t, http.MethodGet, "/recipes?status=DONE", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/recipes?limit=0", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProgressAndArtifacts(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())
	id := env.create(t, token, "https://youtu.be/abc123")
	env.orch.Wait()

	w := env.do(t, http.MethodGet, "/recipes/"+id.String()+"/progress", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	progress := decode[ProgressResponse](t, w)
	require.Len(t, progress.Entries, 6)
	assert.Equal(t, recipe.StepVerifying, progress.Entries[0].Step)
	assert.Equal(t, recipe.StepDone, progress.Entries[5].Step)

	w = env.do(t, http.MethodGet, "/recipes/"+id.String()+"/artifacts", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	artifacts := decode[ArtifactsResponse](t, w)
	assert.Len(t, artifacts.Artifacts, 5)

	w = env.do(t, http.MethodGet, "/recipes/"+uuid.NewString()+"/progress", token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRecipe(t *testing.T) {
	env := newTestEnv(t)
	env.verify.gate = make(chan struct{})
	owner := uuid.New()
	token := env.token(t, owner)
	id := env.create(t, token, "https://youtu.be/abc123")

	w := env.do(t, http.MethodDelete, "/recipes/"+id.String(), env.token(t, uuid.New()), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodDelete, "/recipes/"+id.String(), token, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "CANCELLING", decode[map[string]any](t, w)["status"])

	close(env.verify.gate)
	env.orch.Wait()

	r, err := env.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, recipe.StatusFailed, r.Status)

	w = env.do(t, http.MethodDelete, "/recipes/"+id.String(), token, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_RUNNING", decode[ErrorResponse](t, w).Code)
}

// readEvents parses an SSE body into event name and data pairs.
func readEvents(t *testing.T, body io.Reader) [][2]string {
	t.Helper()
	var events [][2]string
	var name string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events = append(events, [2]string{name, strings.TrimPrefix(line, "data: ")})
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestProgressStream_ReplaysFinishedRecipe(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())
	id := env.create(t, token, "https://youtu.be/abc123")
	env.orch.Wait()

	w := env.do(t, http.MethodGet, "/recipes/"+id.String()+"/progress/stream?access_token="+token, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := readEvents(t, w.Body)
	require.Len(t, events, 7)
	for _, ev := range events[:6] {
		assert.Equal(t, "progress", ev[0])
	}
	assert.Equal(t, "complete", events[6][0])
	assert.JSONEq(t, `{"recipe_id":"`+id.String()+`","status":"SUCCESS"}`, events[6][1])
}

func TestProgressStream_ResumesAfterLastEventID(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, uuid.New())
	id := env.create(t, token, "https://youtu.be/abc123")
	env.orch.Wait()

	entries, err := env.orch.Progress(context.Background(), id)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/recipes/"+id.String()+"/progress/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Last-Event-ID", "4")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	events := readEvents(t, w.Body)
	var want []recipe.ProgressEntry
	for _, e := range entries {
		if e.Seq > 4 {
			want = append(want, e)
		}
	}
	require.Len(t, events, len(want)+1)
	assert.Equal(t, "complete", events[len(events)-1][0])
}

func TestProgressStream_FollowsLiveRecipe(t *testing.T) {
	env := newTestEnv(t)
	env.caption.gate = make(chan struct{})
	env.caption.err = stages.Wrap(stages.ErrUnsupportedInput, "captions", "fetch", "no captions", nil)
	token := env.token(t, uuid.New())
	id := env.create(t, token, "https://youtu.be/abc123")

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/recipes/"+id.String()+"/progress/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	close(env.caption.gate)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "progress", events[0][0])
	assert.Equal(t, "progress", events[1][0])
	assert.Contains(t, events[1][1], `"outcome":"failed"`)
	assert.JSONEq(t, `{"recipe_id":"`+id.String()+`","status":"FAILED"}`, events[2][1])
}

func TestProgressStream_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/recipes/"+uuid.NewString()+"/progress/stream", env.token(t, uuid.New()), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/recipes", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiterWithStore(&ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/recipes", Method: http.MethodPost, Limit: 2, Window: time.Hour, Burst: 2},
		},
	}, ratelimit.NewMemoryStore(time.Minute), nil)

	env := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })
	t.Cleanup(limiter.Stop)
	token := env.token(t, uuid.New())

	for _, url := range []string{"https://youtu.be/a", "https://youtu.be/b"} {
		w := env.do(t, http.MethodPost, "/recipes", token, `{"source_url":"`+url+`"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do(t, http.MethodPost, "/recipes", token, `{"source_url":"https://youtu.be/c"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decode[map[string]any](t, w)["code"])

	// Health stays reachable.
	w = env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
