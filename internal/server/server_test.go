package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/SiapPanen/internal/agent"
	"github.com/wwwzy/SiapPanen/internal/metrics"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

type mockChat struct {
	mock.Mock
}

func (m *mockChat) Handle(ctx context.Context, req agent.Request) (agent.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(agent.Response)
	return resp, args.Error(1)
}

type staticCatalog []tools.Descriptor

func (c staticCatalog) Descriptors() []tools.Descriptor { return c }

func newTestServer(t *testing.T, chat ChatHandler, cfg Config, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := New(cfg, chat, staticCatalog{{Name: tools.CekCuaca, Description: "cuaca"}}, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestChatSuccess(t *testing.T) {
	chat := &mockChat{}
	chat.On("Handle", mock.Anything, agent.Request{
		Messages:       []agent.Message{{Role: "user", Content: "harga cabai?"}},
		ConversationID: "conv_1",
	}).Return(agent.Response{
		Response: "Rp45.000/kg",
		Metadata: agent.Metadata{
			ConversationID: "conv_1",
			ToolsUsed:      []string{"cekHargaPasar"},
			ContextDomains: []string{"pricing"},
			QueryType:      "price_inquiry",
			HasToolData:    true,
		},
	}, nil).Once()

	ts := newTestServer(t, chat, Config{})
	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"harga cabai?"}],"conversationId":"conv_1"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "Rp45.000/kg", body["response"])
	meta := body["metadata"].(map[string]any)
	assert.Equal(t, "conv_1", meta["conversationId"])
	assert.Equal(t, true, meta["hasToolData"])
	chat.AssertExpectations(t)
}

func TestChatFallbackIs200(t *testing.T) {
	chat := &mockChat{}
	chat.On("Handle", mock.Anything, mock.Anything).Return(agent.Response{
		Response: agent.ApologyText,
		Metadata: agent.Metadata{Error: true, Fallback: true},
	}, nil).Once()

	ts := newTestServer(t, chat, Config{})
	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, map[string]any{"error": true, "fallback": true}, body["metadata"])
}

func TestChatValidation(t *testing.T) {
	cases := map[string]string{
		"empty object":     `{}`,
		"null messages":    `{"messages":null}`,
		"messages string":  `{"messages":"halo"}`,
		"messages object":  `{"messages":{"role":"user"}}`,
		"not json":         `halo`,
		"bad conversation": `{"messages":[],"conversationId":42}`,
		"bad message item": `{"messages":["halo"]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			chat := &mockChat{}
			ts := newTestServer(t, chat, Config{})

			resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(payload))
			require.NoError(t, err)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody(t, resp)
			assert.Equal(t, "INVALID_REQUEST", body["code"])
			assert.NotEmpty(t, body["error"])
			chat.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		})
	}
}

func TestChatHandlerValidationError(t *testing.T) {
	chat := &mockChat{}
	chat.On("Handle", mock.Anything, mock.Anything).Return(agent.Response{}, agent.ErrInvalidRequest).Once()

	ts := newTestServer(t, chat, Config{})
	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatPropagatesRequestID(t *testing.T) {
	chat := &mockChat{}
	chat.On("Handle", mock.MatchedBy(func(ctx context.Context) bool {
		return agent.GetTraceID(ctx) == "req-42"
	}), mock.Anything).Return(agent.Response{Response: "ok"}, nil).Once()

	ts := newTestServer(t, chat, Config{})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/chat", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	chat.AssertExpectations(t)
}

func TestChatMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &mockChat{}, Config{})
	resp, err := http.Get(ts.URL + "/api/chat")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	resp.Body.Close()
}

func TestChatRateLimited(t *testing.T) {
	chat := &mockChat{}
	chat.On("Handle", mock.Anything, mock.Anything).Return(agent.Response{Response: "ok"}, nil)

	ts := newTestServer(t, chat, Config{RateLimit: 0.001, RateBurst: 1})

	first, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "RATE_LIMITED", decodeBody(t, second)["code"])
}

func TestToolsAndHealth(t *testing.T) {
	ts := newTestServer(t, &mockChat{}, Config{})

	resp, err := http.Get(ts.URL + "/api/tools")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	list := body["tools"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "cekCuaca", list[0].(map[string]any)["name"])

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ts := newTestServer(t, &mockChat{}, Config{}, WithMetrics(m, reg))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `siappanen_http_requests_total{endpoint="/healthz",method="GET",status="200"} 1`)
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "/api/chat", endpointLabel("/api/chat"))
	assert.Equal(t, "other", endpointLabel("/random/123"))
}
