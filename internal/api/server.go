// Package api 提供命令面接口与自动化协议入口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"potemkin/internal/ctxkeys"
	"potemkin/internal/forwarder"
	"potemkin/internal/interceptlog"
	"potemkin/internal/logger"
	"potemkin/internal/rules"
	"potemkin/internal/session"
	"potemkin/internal/storage"
	"potemkin/pkg/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// TraceHeader 请求追踪 ID 头
const TraceHeader = "X-Trace-Id"

// Controller 会话控制器
type Controller interface {
	Create(ctx context.Context, body []byte) ([]byte, error)
	Forward(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error)
	Delete(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error)
	SeedLocalStorage(ctx context.Context, cfg model.LocalStorageConfig) error
	Info() model.SessionInfo
}

// HistoryStore 拦截历史查询
type HistoryStore interface {
	List(ctx context.Context, f storage.Filter) ([]storage.InterceptionRecord, error)
}

// Deps 服务依赖
type Deps struct {
	Engine     *rules.Engine
	Log        *interceptlog.Log
	Controller Controller
	Store      HistoryStore
}

// Server HTTP 服务
type Server struct {
	router *mux.Router
	server *http.Server
	prefix string
	deps   Deps
	log    logger.Logger
}

// New 创建 HTTP 服务，prefix 为自动化协议入口前缀
func New(addr, prefix string, deps Deps, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{
		router: mux.NewRouter(),
		prefix: strings.TrimSuffix(prefix, "/"),
		deps:   deps,
		log:    l,
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{TraceHeader},
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.traceMiddleware)
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/patterns", s.setPatternsHandler).Methods("POST")
	api.HandleFunc("/patterns", s.getPatternsHandler).Methods("GET")
	api.HandleFunc("/patterns", s.clearPatternsHandler).Methods("DELETE")
	api.HandleFunc("/log", s.getLogHandler).Methods("GET")
	api.HandleFunc("/log/records", s.getRecordsHandler).Methods("GET")
	api.HandleFunc("/local-storage", s.localStorageHandler).Methods("POST")
	api.HandleFunc("/session", s.sessionInfoHandler).Methods("GET")

	s.router.HandleFunc(s.prefix+"/session", s.createSessionHandler).Methods("POST")
	s.router.HandleFunc(s.prefix+"/session/{id}", s.deleteSessionHandler).Methods("DELETE")
	s.router.PathPrefix(s.prefix + "/").HandlerFunc(s.forwardHandler)
}

// Handler 返回完整的 HTTP 处理链
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenAndServe 开始监听，正常关闭时返回 nil
func (s *Server) ListenAndServe() error {
	s.log.Info("HTTP 服务启动", "addr", s.server.Addr, "prefix", s.prefix)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithTraceID(r.Context(), id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP 请求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"traceID", ctxkeys.TraceID(r.Context()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// setPatternsHandler 替换规则集，缺少 urlPattern 或 mockResponse 的条目被丢弃
func (s *Server) setPatternsHandler(w http.ResponseWriter, r *http.Request) {
	var in []model.MockPattern
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid pattern list: " + err.Error()})
		return
	}
	patterns := make([]model.MockPattern, 0, len(in))
	for _, p := range in {
		if p.URLPattern == "" || p.MockResponse == "" {
			continue
		}
		patterns = append(patterns, p)
	}
	s.deps.Engine.SetPatterns(patterns)
	s.log.Info("规则已更新", "received", len(in), "installed", len(patterns))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getPatternsHandler(w http.ResponseWriter, r *http.Request) {
	patterns := s.deps.Engine.Patterns()
	if patterns == nil {
		patterns = []model.MockPattern{}
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) clearPatternsHandler(w http.ResponseWriter, r *http.Request) {
	s.deps.Engine.ClearPatterns()
	w.WriteHeader(http.StatusOK)
}

// getLogHandler 按到达顺序返回拦截日志摘要
func (s *Server) getLogHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Log.Entries()
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// getRecordsHandler 查询拦截历史，支持 session、mocked、limit 参数
func (s *Server) getRecordsHandler(w http.ResponseWriter, r *http.Request) {
	out := []model.InterceptionRecord{}
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	q := r.URL.Query()
	f := storage.Filter{SessionID: q.Get("session")}
	if v := q.Get("mocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid mocked: " + v})
			return
		}
		f.Mocked = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit: " + v})
			return
		}
		f.Limit = n
	}
	recs, err := s.deps.Store.List(r.Context(), f)
	if err != nil {
		s.log.Err(err, "查询拦截历史失败")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for i := range recs {
		out = append(out, recs[i].ToModel())
	}
	writeJSON(w, http.StatusOK, out)
}

// localStorageHandler 向当前会话注入 localStorage，参数不完整时忽略
func (s *Server) localStorageHandler(w http.ResponseWriter, r *http.Request) {
	var cfg model.LocalStorageConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid local storage config: " + err.Error()})
		return
	}
	if cfg.URL == "" || cfg.StorageValues == nil {
		s.log.Warn("localStorage 参数不完整，已忽略", "url", cfg.URL)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.deps.Controller.SeedLocalStorage(r.Context(), cfg); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		s.log.Err(err, "注入 localStorage 失败", "url", cfg.URL)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sessionInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.Info())
}

// createSessionHandler 创建会话
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebDriverError(w, http.StatusBadRequest, "invalid argument", err.Error())
		return
	}
	reply, err := s.deps.Controller.Create(r.Context(), body)
	switch {
	case errors.Is(err, session.ErrSessionActive):
		writeWebDriverError(w, http.StatusConflict, "session not created", err.Error())
		return
	case err != nil:
		writeWebDriverError(w, http.StatusInternalServerError, "session not created", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// deleteSessionHandler 结束会话并转发删除命令
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, s.deps.Controller.Delete)
}

// forwardHandler 其余命令原样转发
func (s *Server) forwardHandler(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, s.deps.Controller.Forward)
}

type relayFunc func(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error)

func (s *Server) relay(w http.ResponseWriter, r *http.Request, fn relayFunc) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebDriverError(w, http.StatusBadRequest, "invalid argument", err.Error())
		return
	}
	path := strings.TrimPrefix(r.URL.Path, s.prefix)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	reply, err := fn(r.Context(), r.Method, path, body)
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeWebDriverError(w, http.StatusNotFound, "invalid session id", err.Error())
		return
	case err != nil:
		writeWebDriverError(w, http.StatusBadGateway, "unknown error", err.Error())
		return
	}
	if reply.ContentType != "" {
		w.Header().Set("Content-Type", reply.ContentType)
	}
	w.WriteHeader(reply.StatusCode)
	_, _ = w.Write(reply.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type webDriverError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// writeWebDriverError 按 WebDriver 错误格式应答
func writeWebDriverError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]webDriverError{"value": {Error: code, Message: msg}})
}
