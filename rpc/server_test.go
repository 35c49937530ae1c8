package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/provider"
)

type fakeHandler struct {
	feed event.Feed
}

func (f *fakeHandler) Handle(method string, params []json.RawMessage) (any, error) {
	switch method {
	case "eth_chainId":
		return "0x7a69", nil
	case "eth_getBlockByNumber":
		return nil, nil
	case "eth_subscribe":
		return "0x1", nil
	case "eth_unsubscribe":
		return true, nil
	case "eth_call":
		return nil, &provider.Error{Code: provider.CodeReverted, Message: "reverted", Data: "0x01"}
	}
	return nil, &provider.Error{Code: provider.CodeMethodNotFound, Message: "Method " + method + " is not supported"}
}

func (f *fakeHandler) SubscribeEvents(ch chan<- provider.SubscriptionEvent) event.Subscription {
	return f.feed.Subscribe(ch)
}

func newTestServer(t *testing.T) (*fakeHandler, *httptest.Server) {
	t.Helper()
	h := new(fakeHandler)
	s := NewServer(h, DefaultConfig())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return h, ts
}

func post(t *testing.T, url, body string) []byte {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return raw
}

func TestHTTPSingleRequest(t *testing.T) {
	_, ts := newTestServer(t)

	var resp Response
	require.NoError(t, json.Unmarshal(post(t, ts.URL, `{"jsonrpc":"2.0","id":7,"method":"eth_chainId","params":[]}`), &resp))
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `"0x7a69"`, string(resp.Result))
	assert.JSONEq(t, `7`, string(resp.ID))

	// A null result is still a result.
	raw := post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"eth_getBlockByNumber","params":["0x99",false]}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":null}`, string(raw))
}

func TestHTTPErrors(t *testing.T) {
	_, ts := newTestServer(t)

	var resp Response
	require.NoError(t, json.Unmarshal(post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"eth_call","params":[]}`), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, provider.CodeReverted, resp.Error.Code)
	assert.Equal(t, "0x01", resp.Error.Data)

	require.NoError(t, json.Unmarshal(post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"nope"}`), &resp))
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)

	require.NoError(t, json.Unmarshal(post(t, ts.URL, `{"jsonrpc":"1.0","id":1,"method":"eth_chainId"}`), &resp))
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	require.NoError(t, json.Unmarshal(post(t, ts.URL, `{not json`), &resp))
	assert.Equal(t, ErrCodeParse, resp.Error.Code)

	require.NoError(t, json.Unmarshal(post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`), &resp))
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHTTPBatch(t *testing.T) {
	_, ts := newTestServer(t)

	var resps []Response
	require.NoError(t, json.Unmarshal(post(t, ts.URL, `[
		{"jsonrpc":"2.0","id":1,"method":"eth_chainId"},
		{"jsonrpc":"2.0","id":2,"method":"nope"}
	]`), &resps))
	require.Len(t, resps, 2)
	assert.JSONEq(t, `1`, string(resps[0].ID))
	assert.Nil(t, resps[0].Error)
	assert.JSONEq(t, `2`, string(resps[1].ID))
	require.NotNil(t, resps[1].Error)

	calls := make([]string, 101)
	for i := range calls {
		calls[i] = `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`
	}
	var resp Response
	require.NoError(t, json.Unmarshal(post(t, ts.URL, "["+strings.Join(calls, ",")+"]"), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketSubscription(t *testing.T) {
	h, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []string{"newHeads"}}))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.JSONEq(t, `"0x1"`, string(resp.Result))

	// Only events of this connection's subscriptions are forwarded.
	h.feed.Send(provider.SubscriptionEvent{ID: "0x2", Result: "other"})
	h.feed.Send(provider.SubscriptionEvent{ID: "0x1", Result: "mine"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "eth_subscription", n.Method)
	assert.Equal(t, "0x1", n.Params.Subscription)
	assert.Equal(t, "mine", n.Params.Result)
}

func TestOriginValidator(t *testing.T) {
	check := originValidator([]string{"http://allowed.example"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://allowed.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	assert.True(t, originValidator(nil)(req))
}
