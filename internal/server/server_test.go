// Package server_test exercises the HTTP API end to end over a real stack:
// sqlite store, memory manager with the deterministic local embedder, and a
// checkpoint engine.
package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solastral/reverie/internal/checkpoint"
	"github.com/solastral/reverie/internal/config"
	"github.com/solastral/reverie/internal/llm"
	"github.com/solastral/reverie/internal/memory"
	"github.com/solastral/reverie/internal/server"
	"github.com/solastral/reverie/internal/storage/sqlite"
	"github.com/solastral/reverie/pkg/types"
)

type testStack struct {
	baseURL string
	store   *sqlite.Store
	manager *memory.Manager
	engine  *checkpoint.Engine
	config  *config.Config
}

// startTestServer wires the full stack on a random port. mutate may adjust
// the config before startup (nil for defaults).
func startTestServer(t *testing.T, mutate func(cfg *config.Config)) *testStack {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimit = 100
	cfg.Server.RateBurst = 100
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mcfg := memory.DefaultConfig()
	mcfg.NumWorkers = 1
	mgr, err := memory.NewManager(store, sqlite.NewEmbeddingIndex(store), sqlite.NewGraphStore(store), llm.NewHashEmbedder(64), mcfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	engine, err := checkpoint.NewEngine(filepath.Join(t.TempDir(), "checkpoints.log"), memory.NewMoveIndexer(mgr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	addr, _, err := server.Start(ctx, cfg, server.Deps{
		Memory:      mgr,
		Checkpoints: engine,
		DB:          store.GetDB(),
	})
	require.NoError(t, err, "server must start on a random port")

	t.Cleanup(func() {
		cancel()
		time.Sleep(50 * time.Millisecond)
	})

	return &testStack{
		baseURL: "http://" + addr,
		store:   store,
		manager: mgr,
		engine:  engine,
		config:  cfg,
	}
}

// doJSON issues a request with an optional JSON body and optional bearer
// token, and returns the response.
func doJSON(t *testing.T, method, url string, body interface{}, token string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_HealthEndpoint(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := http.Get(ts.baseURL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "healthy")
}

func TestServer_SecurityHeaders(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := http.Get(ts.baseURL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRecords_SaveGetDelete(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "remember to rotate the API keys",
		"type":    "task",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created types.MemoryRecord
	decodeBody(t, resp, &created)
	assert.True(t, strings.HasPrefix(created.ID, "mem:task:"), "id is mem:<type>:<slug>, got %s", created.ID)
	assert.Equal(t, int64(1), created.Version)

	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/records/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched types.MemoryRecord
	decodeBody(t, resp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "remember to rotate the API keys", fetched.Content)

	resp = doJSON(t, http.MethodDelete, ts.baseURL+"/api/records/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/records/"+created.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecords_Validation(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{"content": ""}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "x",
		"type":    "daydream",
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp server.ErrorResponse
	decodeBody(t, resp, &errResp)
	assert.Equal(t, "invalid record", errResp.Error)
}

func TestRecords_DefaultProjectApplied(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.User.DefaultProject = "atlas"
	})

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "sketch the onboarding flow",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created types.MemoryRecord
	decodeBody(t, resp, &created)
	assert.Equal(t, "atlas", created.Project)
}

func TestRecords_UpdateVersionConflict(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "draft v1",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created types.MemoryRecord
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodPut, ts.baseURL+"/api/records/"+created.ID, map[string]interface{}{
		"content": "draft v2",
		"version": created.Version,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated types.MemoryRecord
	decodeBody(t, resp, &updated)
	assert.Equal(t, created.Version+1, updated.Version)

	// Replaying the first version is a conflict.
	resp = doJSON(t, http.MethodPut, ts.baseURL+"/api/records/"+created.ID, map[string]interface{}{
		"content": "draft v2 again",
		"version": created.Version,
	}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQuery_FindsSavedRecord(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "Meeting with Ahmed tomorrow at 3pm about the roadmap",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "Grocery list: eggs, flour, coffee",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/query?q="+
		"meeting+with+Ahmed", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var qr server.QueryResponse
	decodeBody(t, resp, &qr)
	require.NotEmpty(t, qr.Results)
	assert.Contains(t, qr.Results[0].Record.Content, "Ahmed")
	assert.NotEmpty(t, qr.Results[0].Origins)

	// Missing q is a client error.
	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/query", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRepair_RunsOverHTTP(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/repair", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report map[string]interface{}
	decodeBody(t, resp, &report)
	assert.Contains(t, report, "requeued")
	assert.Contains(t, report, "embeddings_purged")
}

func TestCheckpoints_ListGetRollback(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := context.Background()

	// Build a sealed single-move batch directly against the engine.
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "sorted", "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	batch, err := ts.engine.BeginBatch(ctx, "organize", "test batch")
	require.NoError(t, err)
	_, err = ts.engine.RecordOperation(ctx, batch.ID, checkpoint.OperationRequest{
		Source:      src,
		Destination: dst,
	})
	require.NoError(t, err)
	require.NoError(t, ts.engine.CommitBatch(ctx, batch.ID))

	resp := doJSON(t, http.MethodGet, ts.baseURL+"/api/checkpoints", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Checkpoints []*types.CheckpointBatch `json:"checkpoints"`
		Count       int                      `json:"count"`
	}
	decodeBody(t, resp, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, batch.ID, list.Checkpoints[0].ID)

	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/checkpoints/"+batch.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.CheckpointBatch
	decodeBody(t, resp, &got)
	assert.Equal(t, types.BatchSealed, got.State)
	require.Len(t, got.Operations, 1)

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/checkpoints/"+batch.ID+"/rollback", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report types.RollbackReport
	decodeBody(t, resp, &report)
	assert.Equal(t, types.BatchRolledBack, report.FinalState)
	assert.Len(t, report.Reversed, 1)

	_, err = os.Stat(src)
	assert.NoError(t, err, "rollback must restore the file")

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/checkpoints/mem-unknown/rollback", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuth_TokenRequiredWhenConfigured(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Server.APIToken = "secret-token"
	})

	body := map[string]string{"content": "guarded"}

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", body, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/records", body, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/records", body, "secret-token")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Health stays open for monitoring.
	healthResp, err := http.Get(ts.baseURL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = healthResp.Body.Close() }()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)
}

func TestRateLimit_Returns429(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 1
		cfg.Server.RateBurst = 2
	})

	var last int
	for i := 0; i < 4; i++ {
		resp, err := http.Get(ts.baseURL + "/healthz")
		require.NoError(t, err)
		last = resp.StatusCode
		_ = resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last,
		"burst of 2 must be exhausted by 4 rapid requests")
}

func TestUserConfig_PersistRoundTrip(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.baseURL+"/api/config/user", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var userCfg server.UserConfigResponse
	decodeBody(t, resp, &userCfg)
	assert.Empty(t, userCfg.DefaultProject)

	resp = doJSON(t, http.MethodPost, ts.baseURL+"/api/config/user", server.UserConfigResponse{
		DefaultProject: "zephyr",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/config/user", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &userCfg)
	assert.Equal(t, "zephyr", userCfg.DefaultProject)

	// New saves pick up the persisted default.
	saveResp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "note under the new default",
	}, "")
	require.Equal(t, http.StatusCreated, saveResp.StatusCode)
	var created types.MemoryRecord
	decodeBody(t, saveResp, &created)
	assert.Equal(t, "zephyr", created.Project)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodDelete, ts.baseURL+"/api/query", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.baseURL+"/api/records", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestActivityFeed_StreamsSaveEvents(t *testing.T) {
	ts := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.baseURL, "http") + "/ws/activity"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err, "websocket dial must succeed")
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	resp := doJSON(t, http.MethodPost, ts.baseURL+"/api/records", map[string]string{
		"content": "streamed save",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created types.MemoryRecord
	decodeBody(t, resp, &created)

	// Save produces record_saved plus index events; scan until the save
	// event shows up.
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "activity event must arrive before the deadline")

		var event server.ActivityEvent
		require.NoError(t, json.Unmarshal(data, &event))
		if event.Type == server.EventRecordSaved {
			assert.Equal(t, created.ID, event.RecordID)
			return
		}
	}
}

func TestServer_ListenFailureReturnsError(t *testing.T) {
	ts := startTestServer(t, nil)

	// Second server on the same port must fail to listen.
	occupied := strings.TrimPrefix(ts.baseURL, "http://")
	_, port, err := splitHostPort(occupied)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.RateLimit = 10
	cfg.Server.RateBurst = 10

	_, _, err = server.Start(context.Background(), cfg, server.Deps{
		Memory:      ts.manager,
		Checkpoints: ts.engine,
	})
	assert.Error(t, err)
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("no port in %q", addr)
	}
	var port int
	_, err := fmt.Sscanf(addr[idx+1:], "%d", &port)
	return addr[:idx], port, err
}
