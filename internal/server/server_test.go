package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench/internal/chatstream"
	"workbench/internal/eventhub"
	"workbench/internal/history"
	"workbench/internal/logging"
	"workbench/internal/runner"
	"workbench/internal/sandbox/sandboxtest"
	"workbench/internal/workbench"
)

const message = `Here you go.
<boltArtifact id="hello" title="Hello">
<boltAction type="file" filePath="hello.txt">
hello
</boltAction>
<boltAction type="shell">
cat hello.txt
</boltAction>
</boltArtifact>`

type testEnv struct {
	fake    *sandboxtest.Fake
	coord   *workbench.Coordinator
	server  *Server
	http    *httptest.Server
	history *history.MemoryStore
}

func newTestEnv(t *testing.T, chat *chatstream.Client) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	fake := sandboxtest.New()
	coord := workbench.New(workbench.Config{
		Sandbox:       fake,
		Hub:           eventhub.New(),
		Logger:        logging.Nop(),
		RunnerMetrics: runner.MustNewMetrics(reg),
		StartupGrace:  100 * time.Millisecond,
	})
	store := history.NewMemoryStore()
	srv := New(Config{
		Coordinator: coord,
		Chat:        chat,
		History:     store,
		Gatherer:    reg,
		Logger:      logging.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		coord.Close()
	})
	return &testEnv{fake: fake, coord: coord, server: srv, http: ts, history: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.coord.Drain(ctx))
}

func TestPostMessageRunsActions(t *testing.T) {
	env := newTestEnv(t, nil)

	status, resp := env.do(t, http.MethodPost, "/api/messages", MessageRequest{MessageID: "msg-1", Content: message})
	require.Equal(t, http.StatusAccepted, status)
	assert.True(t, resp.Success)
	env.drain(t)

	content, ok := env.fake.File("hello.txt")
	require.True(t, ok)
	assert.Equal(t, "hello\n", content)
	assert.Equal(t, []string{"cat hello.txt"}, env.fake.Commands())

	status, resp = env.do(t, http.MethodGet, "/api/artifacts", nil)
	require.Equal(t, http.StatusOK, status)
	arts := resp.Data.([]any)
	require.Len(t, arts, 1)
	art := arts[0].(map[string]any)
	assert.Equal(t, "hello", art["id"])
	assert.Equal(t, true, art["closed"])
	assert.Len(t, art["actions"], 2)

	status, _ = env.do(t, http.MethodGet, "/api/artifacts/unknown/actions", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	status, resp := env.do(t, http.MethodPost, "/api/messages", MessageRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/messages", strings.NewReader("content"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
}

func TestDocumentsSaveAndModifications(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/messages", MessageRequest{MessageID: "msg-1", Content: message})
	env.drain(t)

	status, resp := env.do(t, http.MethodGet, "/api/modifications", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, resp.Data, "hello.txt")

	status, _ = env.do(t, http.MethodPost, "/api/modifications/reset", nil)
	require.Equal(t, http.StatusOK, status)
	_, resp = env.do(t, http.MethodGet, "/api/modifications", nil)
	assert.Empty(t, resp.Data)

	status, resp = env.do(t, http.MethodPut, "/api/documents/hello.txt", DocumentRequest{Content: "edited\n"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"unsaved": true}, resp.Data)

	status, _ = env.do(t, http.MethodPut, "/api/documents/missing.txt", DocumentRequest{Content: "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = env.do(t, http.MethodPost, "/api/save", SaveRequest{Path: "hello.txt"})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp.Data.(map[string]any)["unsaved"])
	content, _ := env.fake.File("hello.txt")
	assert.Equal(t, "edited\n", content)

	status, resp = env.do(t, http.MethodGet, "/api/files/content/hello.txt", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "edited\n", resp.Data.(map[string]any)["content"])

	status, resp = env.do(t, http.MethodGet, "/api/files", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Data, 1)
}

func TestAbortEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.On("sleep", sandboxtest.Script{Block: true})
	env.do(t, http.MethodPost, "/api/messages", MessageRequest{
		MessageID: "msg-1",
		Content:   `<boltArtifact id="a" title="A"><boltAction type="shell">sleep 60</boltAction></boltArtifact>`,
	})
	require.Eventually(t, func() bool { return len(env.fake.Commands()) == 1 }, time.Second, 5*time.Millisecond)

	status, resp := env.do(t, http.MethodPost, "/api/abort", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"aborted": float64(1)}, resp.Data)

	_, resp = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, true, resp.Data.(map[string]any)["ready"])
}

func TestChatStreamsIntoWorkbench(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for _, part := range []string{message[:40], message[40:90], message[90:]} {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer backend.Close()
	env := newTestEnv(t, chatstream.NewClient(chatstream.ClientConfig{URL: backend.URL, Logger: logging.Nop()}))

	status, resp := env.do(t, http.MethodPost, "/api/chat", ChatRequest{
		ChatID:    "chat-1",
		MessageID: "msg-9",
		Messages:  []history.Message{{Role: "user", Content: "say hello"}},
	})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, map[string]any{"message_id": "msg-9", "chat_id": "chat-1"}, resp.Data)

	require.Eventually(t, func() bool {
		chat, err := env.history.Get(context.Background(), "chat-1")
		return err == nil && len(chat.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
	env.drain(t)
	_, ok := env.fake.File("hello.txt")
	assert.True(t, ok)
	assert.Equal(t, "chat-1", env.coord.ChatID())
}

func TestChatAssignsChatID(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()
	env := newTestEnv(t, chatstream.NewClient(chatstream.ClientConfig{URL: backend.URL, Logger: logging.Nop()}))

	status, resp := env.do(t, http.MethodPost, "/api/chat", ChatRequest{
		Messages: []history.Message{{Role: "user", Content: "hi"}},
	})
	require.Equal(t, http.StatusAccepted, status)
	chatID, _ := resp.Data.(map[string]any)["chat_id"].(string)
	assert.True(t, strings.HasPrefix(chatID, "chat-"))
	assert.Equal(t, chatID, env.coord.ChatID())

	_, resp = env.do(t, http.MethodPost, "/api/chat", ChatRequest{
		Messages: []history.Message{{Role: "user", Content: "again"}},
	})
	assert.Equal(t, chatID, resp.Data.(map[string]any)["chat_id"])
}

func TestChatWithoutBackend(t *testing.T) {
	env := newTestEnv(t, nil)
	status, _ := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Messages: []history.Message{{Role: "user", Content: "x"}}})
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestWebSocketFeed(t *testing.T) {
	env := newTestEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame WebSocketMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "snapshot", frame.Type)

	env.do(t, http.MethodPost, "/api/messages", MessageRequest{MessageID: "msg-1", Content: message})

	seen := map[string]bool{}
	for !(seen["artifact"] && seen["action"] && seen["file"]) {
		require.NoError(t, conn.ReadJSON(&frame))
		seen[frame.Type] = true
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/messages", MessageRequest{MessageID: "msg-1", Content: message})
	env.drain(t)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "workbench_runner_actions_total")
}

func TestCORSPreflight(t *testing.T) {
	srv := New(Config{
		Coordinator: workbench.New(workbench.Config{Sandbox: sandboxtest.New(), Logger: logging.Nop()}),
		Logger:      logging.Nop(),
		Gatherer:    prometheus.NewRegistry(),
		CORSOrigins: []string{"http://localhost:5173"},
	})
	defer srv.Close()

	req := httptest.NewRequest(http.MethodOptions, "/api/artifacts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, originChecker([]string{"http://localhost:5173"})(req))
	assert.True(t, originChecker(nil)(req))
}
