package apiserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/agent"
	"github.com/flowforge/gateway/pkg/auth"
	"github.com/flowforge/gateway/pkg/controller"
	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/gateway"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/relay"
	"github.com/flowforge/gateway/pkg/store/memory"
	"github.com/flowforge/gateway/pkg/upstream"
)

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(Dependencies{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()

	server.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	var response healthResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Fatalf("expected status ok, got %q", response.Status)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestAPIAuthRequired(t *testing.T) {
	tokens := auth.NewUserTokenManager([]byte("secret"), time.Hour, "flowforge")
	server := NewServer(Dependencies{Tokens: tokens}, zap.NewNop())

	cases := map[string]string{
		"":               "missing authorization",
		"Basic abc":      "invalid authorization",
		"Bearer ":        "empty token",
		"Bearer garbage": "invalid token",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/00000000-0000-0000-0000-000000000000", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		recorder := httptest.NewRecorder()

		server.Router().ServeHTTP(recorder, req)

		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected status %d, got %d", header, http.StatusUnauthorized, recorder.Code)
		}

		var response errorResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Error != want {
			t.Fatalf("%q: expected %q error, got %q", header, want, response.Error)
		}
	}
}

type harness struct {
	t       *testing.T
	server  *Server
	http    *httptest.Server
	tokens  *auth.UserTokenManager
	store   *memory.Store
	gateway *gateway.Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gen := upstream.EchoGenerator{}
	return newHarnessWith(t, nil, gen)
}

// newHarnessWith wires the server around runner and gen. A nil runner runs
// agents through gen.
func newHarnessWith(t *testing.T, runner agent.Runner, gen upstream.Generator) *harness {
	t.Helper()
	logger := zap.NewNop()
	st := memory.NewStore()
	bus := eventbus.NewBus(eventbus.Config{}, logger)
	if runner == nil {
		runner = agent.NewGeneratorRunner(gen, bus, logger)
	}

	ctrl := controller.NewWorkflowController(st, bus, runner, logger)
	require.NoError(t, ctrl.Start(context.Background()))
	rel := relay.New(st, bus, gen, relay.Config{}, logger)
	gw := gateway.New(bus, gateway.Config{CloseGrace: 20 * time.Millisecond}, logger)
	tokens := auth.NewUserTokenManager([]byte("secret"), time.Hour, "flowforge")

	server := NewServer(Dependencies{Store: st, Controller: ctrl, Relay: rel, Gateway: gw, Tokens: tokens}, logger)
	h := &harness{t: t, server: server, http: httptest.NewServer(server.Router()), tokens: tokens, store: st, gateway: gw}

	t.Cleanup(func() {
		gw.Shutdown()
		h.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rel.Shutdown(ctx)
		_ = ctrl.Shutdown(ctx)
		bus.Close()
	})
	return h
}

func (h *harness) token(user string) string {
	token, err := h.tokens.GenerateUserToken(user)
	require.NoError(h.t, err)
	return token
}

func (h *harness) do(method, path, user string, body any) (int, []byte) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token(user))
	recorder := httptest.NewRecorder()
	h.server.Router().ServeHTTP(recorder, req)
	return recorder.Code, recorder.Body.Bytes()
}

// open starts an SSE request against the live server. The stream ends when
// the server closes it or ctx is cancelled.
func (h *harness) open(ctx context.Context, method, path, user string, body any) *http.Response {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.http.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token(user))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.Equal(h.t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp
}

// stream opens an SSE request and returns every frame name until the server
// closes the connection.
func (h *harness) stream(method, path, user string, body any) []string {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := h.open(ctx, method, path, user, body)
	defer resp.Body.Close()

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

// waitForFrame reads until a frame named name arrives.
func waitForFrame(t *testing.T, scanner *bufio.Scanner, name string) {
	t.Helper()
	for scanner.Scan() {
		if scanner.Text() == "event: "+name {
			return
		}
	}
	t.Fatalf("stream ended before %q: %v", name, scanner.Err())
}

func (h *harness) createWorkflow(user string) string {
	h.t.Helper()
	code, body := h.do(http.MethodPost, "/api/v1/workflows", user, controller.WorkflowSpec{
		Name:        "launch",
		Description: "write and review a launch note",
		Steps: []controller.StepSpec{
			{Name: "draft", Description: "draft the note", AgentNames: []string{"writer"}},
			{Name: "review", Description: "review the note", AgentNames: []string{"editor"}},
		},
	})
	require.Equal(h.t, http.StatusCreated, code, string(body))

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(h.t, json.Unmarshal(body, &created))
	assert.Equal(h.t, string(model.WorkflowCreated), created.Status)
	return created.ID
}

func (h *harness) workflowStatus(user, id string) string {
	h.t.Helper()
	code, body := h.do(http.MethodGet, "/api/v1/workflows/"+id, user, nil)
	require.Equal(h.t, http.StatusOK, code, string(body))
	var wf struct {
		Status string `json:"status"`
	}
	require.NoError(h.t, json.Unmarshal(body, &wf))
	return wf.Status
}

func TestWorkflowLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createWorkflow("alice")

	code, _ := h.do(http.MethodPost, "/api/v1/workflows/"+id+"/pause", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body := h.do(http.MethodPost, "/api/v1/workflows/"+id+"/execute", "alice", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))

	assert.Eventually(t, func() bool {
		return h.workflowStatus("alice", id) == string(model.WorkflowCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = h.do(http.MethodPost, "/api/v1/workflows/"+id+"/execute", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(http.MethodPost, "/api/v1/workflows/"+id+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestWorkflowErrorMapping(t *testing.T) {
	h := newHarness(t)
	id := h.createWorkflow("alice")

	code, _ := h.do(http.MethodGet, "/api/v1/workflows/"+id, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPost, "/api/v1/workflows/"+id+"/execute", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodGet, "/api/v1/workflows/6f1c2b1e-8f43-4c5e-9a3e-1d1f0c0b7a11", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodGet, "/api/v1/workflows/not-a-uuid", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodPost, "/api/v1/workflows", "alice", map[string]any{"name": "no steps", "description": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := h.do(http.MethodPost, "/api/v1/workflows", "alice", controller.WorkflowSpec{
		Name:        "dup",
		Description: "duplicate ids",
		Steps: []controller.StepSpec{
			{ID: "a", Name: "one", AgentNames: []string{"writer"}},
			{ID: "a", Name: "two", AgentNames: []string{"writer"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), model.ErrInvalidSpec.Error())
}

func TestWorkflowStreamEndsWithCompletion(t *testing.T) {
	h := newHarness(t)
	id := h.createWorkflow("alice")

	code, _ := h.do(http.MethodPost, "/api/v1/workflows/"+id+"/execute", "alice", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Eventually(t, func() bool {
		return h.workflowStatus("alice", id) == string(model.WorkflowCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	names := h.stream(http.MethodGet, "/api/v1/workflows/"+id+"/stream", "alice", nil)
	assert.Equal(t, []string{"connected", "complete"}, names)

	code, _ = h.do(http.MethodGet, "/api/v1/workflows/"+id+"/stream", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func (h *harness) createSession(user string) string {
	h.t.Helper()
	code, body := h.do(http.MethodPost, "/api/v1/sessions", user, map[string]string{"title": "support"})
	require.Equal(h.t, http.StatusCreated, code, string(body))
	var session model.Session
	require.NoError(h.t, json.Unmarshal(body, &session))
	assert.Equal(h.t, user, session.OwnerID)
	return session.ID.String()
}

func TestCreateSessionWithoutBody(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(http.MethodPost, "/api/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusCreated, code, string(body))
	var session model.Session
	require.NoError(t, json.Unmarshal(body, &session))
	assert.Equal(t, "alice", session.OwnerID)
	assert.Empty(t, session.Title)

	code, _ = h.do(http.MethodPost, "/api/v1/sessions", "alice", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMessageWaitsForReply(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession("alice")

	code, body := h.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages", "alice", map[string]string{"content": "hello there"})
	require.Equal(t, http.StatusOK, code, string(body))

	var reply struct {
		UserMessage model.StreamMessage `json:"user_message"`
		Message     model.StreamMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Equal(t, model.SenderUser, reply.UserMessage.Sender)
	assert.Equal(t, model.SenderAI, reply.Message.Sender)
	assert.Equal(t, "hello there", reply.Message.Content)

	code, body = h.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var history struct {
		Messages []model.StreamMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, model.SenderUser, history.Messages[0].Sender)
	assert.Equal(t, model.SenderAI, history.Messages[1].Sender)

	code, _ = h.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages", "alice", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMessageStreamsReply(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession("alice")

	names := h.stream(http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages?stream=true", "alice", map[string]string{"content": "one two three"})

	require.NotEmpty(t, names)
	assert.Equal(t, "connected", names[0])
	assert.Equal(t, "start", names[1])
	assert.Equal(t, "complete", names[len(names)-1])
	chunks := 0
	for _, name := range names {
		if name == "chunk" {
			chunks++
		}
	}
	assert.Equal(t, 3, chunks)

	messages, err := h.store.ListMessages(context.Background(), mustParse(t, sessionID), 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "one two three", messages[1].Content)
}

func TestCancelUnknownMessage(t *testing.T) {
	h := newHarness(t)
	sessionID := h.createSession("alice")

	code, _ := h.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages/6f1c2b1e-8f43-4c5e-9a3e-1d1f0c0b7a11/cancel", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages/nope/cancel", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// gatedRunner holds every step until release is closed.
type gatedRunner struct {
	started chan string
	release chan struct{}
}

func (g *gatedRunner) Run(ctx context.Context, task agent.Task) error {
	select {
	case g.started <- task.StepName:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWorkflowRunsOnAfterViewerLeaves(t *testing.T) {
	runner := &gatedRunner{started: make(chan string, 4), release: make(chan struct{})}
	h := newHarnessWith(t, runner, upstream.EchoGenerator{})
	id := h.createWorkflow("alice")

	ctx, cancel := context.WithCancel(context.Background())
	resp := h.open(ctx, http.MethodGet, "/api/v1/workflows/"+id+"/stream", "alice", nil)
	scanner := bufio.NewScanner(resp.Body)
	waitForFrame(t, scanner, "connected")

	code, _ := h.do(http.MethodPost, "/api/v1/workflows/"+id+"/execute", "alice", nil)
	require.Equal(t, http.StatusAccepted, code)
	select {
	case step := <-runner.started:
		assert.Equal(t, "draft", step)
	case <-time.After(2 * time.Second):
		t.Fatal("first step never started")
	}
	waitForFrame(t, scanner, "update")

	cancel()
	resp.Body.Close()
	assert.Eventually(t, func() bool { return h.gateway.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)

	close(runner.release)
	assert.Eventually(t, func() bool {
		return h.workflowStatus("alice", id) == string(model.WorkflowCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	names := h.stream(http.MethodGet, "/api/v1/workflows/"+id+"/stream", "alice", nil)
	assert.Equal(t, []string{"connected", "complete"}, names)
}

// gatedIterator yields "one " at once and the final "two" after release.
type gatedIterator struct {
	release <-chan struct{}
	pos     int
}

func (it *gatedIterator) Next(ctx context.Context) (upstream.Chunk, error) {
	it.pos++
	switch it.pos {
	case 1:
		return upstream.Chunk{Content: "one "}, nil
	case 2:
		select {
		case <-it.release:
			return upstream.Chunk{Content: "two", Final: true}, nil
		case <-ctx.Done():
			return upstream.Chunk{}, ctx.Err()
		}
	default:
		return upstream.Chunk{}, io.EOF
	}
}

func (it *gatedIterator) Close() error { return nil }

func TestStreamedReplyPersistsAfterClientLeaves(t *testing.T) {
	release := make(chan struct{})
	gen := upstream.GeneratorFunc(func(context.Context, upstream.Request) (upstream.ChunkIterator, error) {
		return &gatedIterator{release: release}, nil
	})
	h := newHarnessWith(t, nil, gen)
	sessionID := h.createSession("alice")

	ctx, cancel := context.WithCancel(context.Background())
	resp := h.open(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages?stream=true", "alice", map[string]string{"content": "count"})
	scanner := bufio.NewScanner(resp.Body)
	waitForFrame(t, scanner, "chunk")

	cancel()
	resp.Body.Close()
	close(release)

	sid := mustParse(t, sessionID)
	var messages []model.StreamMessage
	assert.Eventually(t, func() bool {
		var err error
		messages, err = h.store.ListMessages(context.Background(), sid, 0)
		return err == nil && len(messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, messages, 2)
	assert.Equal(t, model.SenderAI, messages[1].Sender)
	assert.Equal(t, "one two", messages[1].Content)
}

func mustParse(t *testing.T, id string) uuid.UUID {
	t.Helper()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	return parsed
}
