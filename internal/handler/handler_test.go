package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/glossary-ingest/internal/handler"
	"github.com/xxxsen/glossary-ingest/internal/ingest"
	"github.com/xxxsen/glossary-ingest/internal/middleware"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/errcode"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
	"github.com/xxxsen/glossary-ingest/internal/pkg/password"
)

type fakeRuns struct {
	started  []string
	opts     ingest.StartOptions
	runs     map[string]*model.IngestRun
	startErr error
	cancels  []string
}

func (f *fakeRuns) Start(ctx context.Context, path string, in ingest.StartOptions) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, path)
	f.opts = in
	return fmt.Sprintf("run-%d", len(f.started)), nil
}

func (f *fakeRuns) Resume(ctx context.Context, runID string) (string, error) {
	if _, ok := f.runs[runID]; !ok {
		return "", appErr.ErrNotFound
	}
	return runID, nil
}

func (f *fakeRuns) Status(ctx context.Context, runID string) (*model.IngestRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, appErr.ErrNotFound)
	}
	return run, nil
}

func (f *fakeRuns) Cancel(ctx context.Context, runID string) error {
	if run, ok := f.runs[runID]; !ok || run.Status.Terminal() {
		return appErr.ErrInvalid
	}
	f.cancels = append(f.cancels, runID)
	return nil
}

func (f *fakeRuns) List(ctx context.Context, limit, offset int) ([]*model.IngestRun, error) {
	out := make([]*model.IngestRun, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

type fakeTerms struct{}

func (fakeTerms) Get(ctx context.Context, name string) (*model.Term, error) {
	if name != "Epoch" {
		return nil, appErr.ErrNotFound
	}
	return &model.Term{Name: "Epoch", Definition: "One pass."}, nil
}

func (fakeTerms) GetFields(ctx context.Context, name string) (map[string]model.Field, map[string]int64, error) {
	return map[string]model.Field{"Definition": model.TextField("One pass.")}, map[string]int64{"Definition": 1}, nil
}

type envelope struct {
	Code    float64         `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T, runs *fakeRuns) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := password.Hash("operator-pass")
	require.NoError(t, err)
	secret := []byte("test-secret")
	deps := handler.RouterDeps{
		Auth:      handler.NewAuthHandler("admin", hash, secret, time.Hour),
		Ingest:    handler.NewIngestHandler(runs),
		Terms:     handler.NewTermHandler(fakeTerms{}),
		JWTSecret: secret,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		"",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
		),
	)
	require.NoError(t, err)
	return engine
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) envelope {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return env
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	env := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin", "password": "operator-pass"})
	require.Zero(t, env.Code, env.Message)
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

func TestLogin(t *testing.T) {
	h := setupRouter(t, &fakeRuns{})
	login(t, h)

	env := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin", "password": "nope-nope"})
	require.Equal(t, float64(errcode.ErrUnauthorized), env.Code)
}

func TestIngestRoutesRequireToken(t *testing.T) {
	h := setupRouter(t, &fakeRuns{})
	env := do(t, h, http.MethodGet, "/api/v1/ingest/runs", "", nil)
	require.Equal(t, float64(errcode.ErrUnauthorized), env.Code)
}

func TestStartRun(t *testing.T) {
	runs := &fakeRuns{}
	h := setupRouter(t, runs)
	token := login(t, h)

	env := do(t, h, http.MethodPost, "/api/v1/ingest/runs", token, map[string]interface{}{
		"path":                "/data/glossary.csv",
		"chunk_size":          100,
		"max_runtime_seconds": 60,
	})
	require.Zero(t, env.Code, env.Message)
	require.JSONEq(t, `{"run_id":"run-1"}`, string(env.Data))
	require.Equal(t, []string{"/data/glossary.csv"}, runs.started)
	require.Equal(t, ingest.StartOptions{ChunkSize: 100, MaxRuntime: time.Minute, Resume: true}, runs.opts)

	env = do(t, h, http.MethodPost, "/api/v1/ingest/runs", token, map[string]interface{}{"path": " "})
	require.Equal(t, float64(errcode.ErrInvalid), env.Code)
	env = do(t, h, http.MethodPost, "/api/v1/ingest/runs", token, map[string]interface{}{"path": "/x.csv", "chunk_size": 1_000_000})
	require.Equal(t, float64(errcode.ErrInvalid), env.Code)
}

func TestStartRunMapsDomainErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("run r1 holds source: %w", appErr.ErrRunAlreadyActive), errcode.ErrRunAlreadyActive},
		{fmt.Errorf("open: %w", appErr.ErrSourceUnreadable), errcode.ErrSourceUnreadable},
		{fmt.Errorf("boom"), errcode.ErrInternal},
	}
	for _, tt := range tests {
		h := setupRouter(t, &fakeRuns{startErr: tt.err})
		env := do(t, h, http.MethodPost, "/api/v1/ingest/runs", login(t, h), map[string]interface{}{"path": "/x.csv"})
		require.Equal(t, float64(tt.code), env.Code, tt.err.Error())
	}
}

func TestRunStatusAndCancel(t *testing.T) {
	total := int64(4)
	runs := &fakeRuns{runs: map[string]*model.IngestRun{
		"r1": {ID: "r1", Status: model.RunStatusProcessing, TotalRows: &total, ProcessedRows: 2, LastOffset: 2},
		"r2": {ID: "r2", Status: model.RunStatusCompleted, TotalRows: &total, ProcessedRows: 4},
	}}
	h := setupRouter(t, runs)
	token := login(t, h)

	env := do(t, h, http.MethodGet, "/api/v1/ingest/runs/r1", token, nil)
	require.Zero(t, env.Code)
	var view struct {
		ID         string `json:"id"`
		Progress   int    `json:"progress"`
		LastOffset int64  `json:"last_offset"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Equal(t, "r1", view.ID)
	require.Equal(t, 50, view.Progress)
	require.Equal(t, int64(2), view.LastOffset)

	env = do(t, h, http.MethodGet, "/api/v1/ingest/runs/missing", token, nil)
	require.Equal(t, float64(errcode.ErrNotFound), env.Code)

	env = do(t, h, http.MethodPost, "/api/v1/ingest/runs/r1/cancel", token, nil)
	require.Zero(t, env.Code)
	require.Equal(t, []string{"r1"}, runs.cancels)
	env = do(t, h, http.MethodPost, "/api/v1/ingest/runs/r2/cancel", token, nil)
	require.Equal(t, float64(errcode.ErrInvalid), env.Code)

	env = do(t, h, http.MethodGet, "/api/v1/ingest/runs?limit=5", token, nil)
	require.Zero(t, env.Code)
	var page struct {
		Items []json.RawMessage `json:"items"`
		Limit int               `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, 5, page.Limit)
}

func TestGetTerm(t *testing.T) {
	h := setupRouter(t, &fakeRuns{})
	token := login(t, h)
	env := do(t, h, http.MethodGet, "/api/v1/terms/Epoch", token, nil)
	require.Zero(t, env.Code)
	require.Contains(t, string(env.Data), "One pass.")

	env = do(t, h, http.MethodGet, "/api/v1/terms/Nope", token, nil)
	require.Equal(t, float64(errcode.ErrNotFound), env.Code)
}
