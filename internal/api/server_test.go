package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"potemkin/internal/forwarder"
	"potemkin/internal/interceptlog"
	"potemkin/internal/rules"
	"potemkin/internal/session"
	"potemkin/internal/storage"
	"potemkin/pkg/model"
	"potemkin/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type call struct {
	op, method, path, body string
}

type fakeController struct {
	calls     []call
	createErr error
	active    bool
	seeded    *model.LocalStorageConfig
}

func (c *fakeController) Create(ctx context.Context, body []byte) ([]byte, error) {
	c.calls = append(c.calls, call{"create", "POST", "", string(body)})
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.active = true
	return []byte(`{"value":{"capabilities":{"browserName":"chrome"},"sessionId":"abc"}}`), nil
}

func (c *fakeController) Forward(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error) {
	c.calls = append(c.calls, call{"forward", method, path, string(body)})
	if !c.active {
		return nil, session.ErrNoSession
	}
	return &forwarder.Reply{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"value":"ok"}`)}, nil
}

func (c *fakeController) Delete(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error) {
	c.calls = append(c.calls, call{"delete", method, path, string(body)})
	if !c.active {
		return nil, session.ErrNoSession
	}
	c.active = false
	return &forwarder.Reply{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"value":null}`)}, nil
}

func (c *fakeController) SeedLocalStorage(ctx context.Context, cfg model.LocalStorageConfig) error {
	if !c.active {
		return session.ErrNoSession
	}
	c.seeded = &cfg
	return nil
}

func (c *fakeController) Info() model.SessionInfo {
	if c.active {
		return model.SessionInfo{State: model.StateActive, SessionID: "abc"}
	}
	return model.SessionInfo{State: model.StateIdle}
}

type fakeStore struct {
	filter storage.Filter
	recs   []storage.InterceptionRecord
}

func (s *fakeStore) List(ctx context.Context, f storage.Filter) ([]storage.InterceptionRecord, error) {
	s.filter = f
	return s.recs, nil
}

type env struct {
	engine *rules.Engine
	log    *interceptlog.Log
	ctrl   *fakeController
	store  *fakeStore
	h      http.Handler
}

func newEnv() *env {
	e := &env{
		engine: rules.New(nil),
		log:    interceptlog.New(),
		ctrl:   &fakeController{},
		store:  &fakeStore{},
	}
	s := New(":0", "/wd/hub", Deps{Engine: e.engine, Log: e.log, Controller: e.ctrl, Store: e.store}, nil)
	e.h = s.Handler()
	return e
}

func (e *env) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func TestSetPatternsDropsIncompleteEntries(t *testing.T) {
	e := newEnv()
	body := `[
		{"urlPattern":"http://api/a","mockResponse":"{\"a\":1}"},
		{"urlPattern":"http://api/b"},
		{"mockResponse":"{}"},
		{"urlPattern":"http://api/c","method":"POST","mockResponse":"[]","mockStatusCode":201}
	]`
	rec := e.do("POST", "/api/patterns", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	got := e.engine.Patterns()
	require.Len(t, got, 2)
	assert.Equal(t, "http://api/a", got[0].URLPattern)
	assert.Equal(t, "http://api/c", got[1].URLPattern)
	assert.Equal(t, 201, got[1].MockStatusCode)

	rec = e.do("GET", "/api/patterns", "")
	assert.Equal(t, "http://api/c", gjson.Get(rec.Body.String(), "1.urlPattern").String())
}

func TestSetPatternsEmptyListClears(t *testing.T) {
	e := newEnv()
	e.engine.SetPatterns([]model.MockPattern{{URLPattern: "x", MockResponse: "{}"}})
	rec := e.do("POST", "/api/patterns", `[]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.engine.Patterns())
}

func TestSetPatternsMalformed(t *testing.T) {
	e := newEnv()
	e.engine.SetPatterns([]model.MockPattern{{URLPattern: "x", MockResponse: "{}"}})
	rec := e.do("POST", "/api/patterns", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, e.engine.Patterns(), 1)
}

func TestClearPatterns(t *testing.T) {
	e := newEnv()
	e.engine.SetPatterns([]model.MockPattern{{URLPattern: "x", MockResponse: "{}"}})
	rec := e.do("DELETE", "/api/patterns", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.engine.Patterns())
}

func TestGetLog(t *testing.T) {
	e := newEnv()
	rec := e.do("GET", "/api/log", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	req := traffic.NewRequest()
	req.URL = "http://api/a"
	req.Method = "get"
	entry := e.log.Open(req)
	entry.RecordPattern(model.MockPattern{URLPattern: "http://api", MockResponse: "{}"})
	entry.RecordMocked(2)
	entry.Close()

	rec = e.do("GET", "/api/log", "")
	var entries []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Equal(t, []string{"[#] GET http://api/a (2b)"}, entries)
}

func TestGetRecordsFilter(t *testing.T) {
	e := newEnv()
	e.store.recs = []storage.InterceptionRecord{{ID: "1", URL: "http://api/a", Mocked: true}}

	rec := e.do("GET", "/api/log/records?session=abc&mocked=true&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", e.store.filter.SessionID)
	require.NotNil(t, e.store.filter.Mocked)
	assert.True(t, *e.store.filter.Mocked)
	assert.Equal(t, 5, e.store.filter.Limit)
	assert.Equal(t, "http://api/a", gjson.Get(rec.Body.String(), "0.url").String())

	rec = e.do("GET", "/api/log/records?mocked=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLocalStorage(t *testing.T) {
	e := newEnv()
	body := `{"url":"http://app","storageValues":{"token":"t"}}`

	rec := e.do("POST", "/api/local-storage", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do("POST", "/api/local-storage", `{"url":"http://app"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "参数不完整时忽略")

	e.ctrl.active = true
	rec = e.do("POST", "/api/local-storage", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, e.ctrl.seeded)
	assert.Equal(t, "t", e.ctrl.seeded.StorageValues["token"])
}

func TestCreateSession(t *testing.T) {
	e := newEnv()
	rec := e.do("POST", "/wd/hub/session", `{"desiredCapabilities":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", gjson.Get(rec.Body.String(), "value.sessionId").String())
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
}

func TestCreateSessionErrors(t *testing.T) {
	e := newEnv()
	e.ctrl.createErr = session.ErrSessionActive
	rec := e.do("POST", "/wd/hub/session", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session not created", gjson.Get(rec.Body.String(), "value.error").String())

	e.ctrl.createErr = session.ErrLaunch
	rec = e.do("POST", "/wd/hub/session", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestForwardStripsPrefix(t *testing.T) {
	e := newEnv()
	e.ctrl.active = true
	rec := e.do("POST", "/wd/hub/session/abc/url?x=1", `{"url":"http://app"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"value":"ok"}`, rec.Body.String())
	last := e.ctrl.calls[len(e.ctrl.calls)-1]
	assert.Equal(t, call{"forward", "POST", "/session/abc/url?x=1", `{"url":"http://app"}`}, last)
}

func TestForwardWithoutSession(t *testing.T) {
	e := newEnv()
	rec := e.do("GET", "/wd/hub/session/abc/title", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid session id", gjson.Get(rec.Body.String(), "value.error").String())
}

func TestDeleteRouting(t *testing.T) {
	e := newEnv()
	e.ctrl.active = true

	// 更深层的 DELETE 只转发
	rec := e.do("DELETE", "/wd/hub/session/abc/cookie", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "forward", e.ctrl.calls[len(e.ctrl.calls)-1].op)
	assert.True(t, e.ctrl.active)

	rec = e.do("DELETE", "/wd/hub/session/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	last := e.ctrl.calls[len(e.ctrl.calls)-1]
	assert.Equal(t, call{"delete", "DELETE", "/session/abc", ""}, last)
	assert.False(t, e.ctrl.active)
}

func TestSessionInfo(t *testing.T) {
	e := newEnv()
	rec := e.do("GET", "/api/session", "")
	assert.Equal(t, string(model.StateIdle), gjson.Get(rec.Body.String(), "state").String())
}
