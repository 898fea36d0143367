package driver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCapabilitiesInjectsBothShapes(t *testing.T) {
	body := []byte(`{"desiredCapabilities":{"browserName":"chrome","goog:chromeOptions":{"args":["--lang=en"]}}}`)

	out, err := Capabilities(body, "127.0.0.1:9222", false)
	require.NoError(t, err)

	legacy := gjson.GetBytes(out, `desiredCapabilities.goog:chromeOptions`)
	assert.Equal(t, "127.0.0.1:9222", legacy.Get("debuggerAddress").String())
	assert.False(t, legacy.Get("w3c").Bool())
	assert.True(t, legacy.Get("w3c").Exists())
	assert.Equal(t, "--lang=en", legacy.Get("args.0").String())

	w3c := gjson.GetBytes(out, `capabilities.alwaysMatch.goog:chromeOptions.debuggerAddress`)
	assert.Equal(t, "127.0.0.1:9222", w3c.String())
}

func TestCapabilitiesFromInvalidBody(t *testing.T) {
	out, err := Capabilities([]byte(`not json`), "127.0.0.1:1", true)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(out, `desiredCapabilities.goog:chromeOptions.w3c`).Bool())
	assert.Equal(t, "chrome", gjson.GetBytes(out, "capabilities.alwaysMatch.browserName").String())
}

func TestParseSession(t *testing.T) {
	s, err := parseSession(200, []byte(`{"sessionId":"legacy-1","status":0,"value":{"browserName":"chrome"}}`))
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", s.ID)
	assert.Equal(t, "chrome", s.BrowserName)

	s, err = parseSession(200, []byte(`{"value":{"sessionId":"w3c-1","capabilities":{"browserName":"chrome-headless-shell"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "w3c-1", s.ID)
	assert.Equal(t, "chrome-headless-shell", s.BrowserName)

	_, err = parseSession(500, []byte(`{"value":{"error":"session not created","message":"cannot connect"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot connect")

	_, err = parseSession(200, []byte(`{"value":{}}`))
	assert.ErrorIs(t, err, ErrNoSessionID)

	_, err = parseSession(200, []byte(`{"status":33,"value":{"message":"boom"}}`))
	require.Error(t, err)
}

func TestNewSessionPostsInjectedCapabilities(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)
		received, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"sessionId":"abc","status":0,"value":{"browserName":"chrome"}}`))
	}))
	defer srv.Close()

	d := Attach(srv.URL, false, srv.Client(), nil)
	s, err := d.NewSession(context.Background(), "127.0.0.1:9222", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", s.ID)
	assert.Equal(t, "127.0.0.1:9222", gjson.GetBytes(received, `desiredCapabilities.goog:chromeOptions.debuggerAddress`).String())
	assert.Equal(t, srv.URL, d.Endpoint())
}

func TestWaitReadyRetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"value":{"ready":false}}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":{"ready":true}}`))
	}))
	defer srv.Close()

	d := Attach(srv.URL, false, srv.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitReady(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReadyHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := Attach(srv.URL, false, srv.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.Error(t, d.WaitReady(ctx))
}

func TestStartMissingBinary(t *testing.T) {
	s := NewStarter(Config{Bin: "/nonexistent/chromedriver", Host: "127.0.0.1", Port: 1}, nil)
	_, err := s.Start(context.Background())
	assert.Error(t, err)
}

func TestCloseAttachedIsNoop(t *testing.T) {
	d := Attach("http://127.0.0.1:1", false, nil, nil)
	assert.NoError(t, d.Close())
}
