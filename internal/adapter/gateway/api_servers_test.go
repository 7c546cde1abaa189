package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrelay/internal/domain"
)

func doRequest(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := doRequest(t, http.MethodGet, f.ts.URL+"/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","message":"toolrelay"}`, string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = doRequest(t, http.MethodGet, f.ts.URL+"/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListServers(t *testing.T) {
	f := newFixture(t)

	_, body := doRequest(t, http.MethodGet, f.ts.URL+"/api/servers", "")
	assert.JSONEq(t, `{"servers":[]}`, string(body))

	f.connectCalc(t)
	_, body = doRequest(t, http.MethodGet, f.ts.URL+"/api/servers", "")

	var list ServerList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Servers, 1)
	srv := list.Servers[0]
	assert.Equal(t, "calc", srv.Name)
	assert.True(t, srv.Connected)
	assert.Equal(t, "connected", srv.State)
	require.Len(t, srv.Tools, 1)
	assert.Equal(t, "add", srv.Tools[0].Name)
	assert.Equal(t, domain.KindObject, srv.Tools[0].InputSchema.Kind())
}

func TestAddServer(t *testing.T) {
	f := newFixture(t)

	resp, body := doRequest(t, http.MethodPost, f.ts.URL+"/api/servers",
		`{"name":"calc","config":{"command":"python","args":["calc.py"]}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"connected","server":"calc"}`, string(body))
	assert.Equal(t, []string{"calc"}, f.registry.ListSessions())
}

func TestAddServer_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   domain.ErrorCode
	}{
		{"missing name", `{"config":{"command":"x"}}`, http.StatusBadRequest, domain.CodeInvalidInput},
		{"blank name", `{"name":"  "}`, http.StatusBadRequest, domain.CodeInvalidInput},
		{"malformed body", `{"name":`, http.StatusBadRequest, domain.CodeInvalidInput},
		{"reserved delimiter", `{"name":"a__b","config":{"command":"x"}}`, http.StatusBadRequest, domain.CodeSessionInvalid},
		{"spawn failure", `{"name":"ghost","config":{"command":"nope"}}`, http.StatusInternalServerError, domain.CodeConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, f.ts.URL+"/api/servers", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var er ErrorResponse
			require.NoError(t, json.Unmarshal(body, &er))
			assert.Equal(t, tt.code, er.Code)
			assert.NotEmpty(t, er.Error)
		})
	}
	assert.Empty(t, f.registry.ListSessions())
}

func TestRemoveServer(t *testing.T) {
	f := newFixture(t)
	f.connectCalc(t)

	resp, body := doRequest(t, http.MethodDelete, f.ts.URL+"/api/servers/calc", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"disconnected","server":"calc"}`, string(body))
	assert.Empty(t, f.registry.ListSessions())
	assert.True(t, f.calc.closed.Load())

	resp, _ = doRequest(t, http.MethodDelete, f.ts.URL+"/api/servers/unknown", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/servers", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("http://localhost:5173")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp = preflight("http://evil.example")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.connectCalc(t)

	resp, body := doRequest(t, http.MethodGet, f.ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "toolrelay_connected_sessions 1")
	assert.Contains(t, string(body), `toolrelay_session_connects_total{status="success"} 1`)
}

func TestStopClosesSessions(t *testing.T) {
	f := newFixture(t)
	f.connectCalc(t)

	require.NoError(t, f.srv.Stop(context.Background()))
	assert.True(t, f.calc.closed.Load())
	assert.Empty(t, f.registry.ListSessions())
	require.NoError(t, f.srv.Stop(context.Background()), "second stop is a no-op")
}

func TestServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	resp, body := doRequest(t, http.MethodGet, "http://"+ln.Addr().String()+"/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "toolrelay")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
