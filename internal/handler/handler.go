package handler

import (
	"context"
	"time"

	"potemkin/internal/ctxkeys"
	"potemkin/internal/interceptlog"
	"potemkin/internal/logger"
	"potemkin/internal/rules"
	"potemkin/internal/storage"
	"potemkin/pkg/traffic"
)

const defaultDecisionTimeout = 3 * time.Second

// Continuer 向浏览器下发继续指令，每个被暂停的请求只调用其中一个方法一次
type Continuer interface {
	// Continue 原样放行
	Continue(ctx context.Context, req *traffic.Request) error
	// Fulfill 以合成响应结束请求
	Fulfill(ctx context.Context, req *traffic.Request, res *traffic.Response) error
}

// Recorder 拦截历史持久化
type Recorder interface {
	Save(ctx context.Context, rec *storage.InterceptionRecord) error
}

// Handler 拦截事件处理器，负责协调规则匹配、继续指令下发和日志记录
type Handler struct {
	engine          *rules.Engine
	log             *interceptlog.Log
	recorder        Recorder
	decisionTimeout time.Duration
	l               logger.Logger
}

// Config 配置选项
type Config struct {
	Engine          *rules.Engine
	Log             *interceptlog.Log
	Recorder        Recorder // 可为空
	DecisionTimeout time.Duration
	Logger          logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	h := &Handler{
		engine:          cfg.Engine,
		log:             cfg.Log,
		recorder:        cfg.Recorder,
		decisionTimeout: cfg.DecisionTimeout,
		l:               cfg.Logger,
	}
	if h.engine == nil {
		h.engine = rules.New(nil)
	}
	if h.log == nil {
		h.log = interceptlog.New()
	}
	if h.decisionTimeout <= 0 {
		h.decisionTimeout = defaultDecisionTimeout
	}
	if h.l == nil {
		h.l = logger.NewNop()
	}
	return h
}

// Engine 返回规则引擎
func (h *Handler) Engine() *rules.Engine { return h.engine }

// Log 返回拦截日志
func (h *Handler) Log() *interceptlog.Log { return h.log }

// Handle 处理一次被暂停的请求：记录、决策并下发唯一一次继续指令。
// 决策过程中的异常一律降级为放行。
func (h *Handler) Handle(ctx context.Context, req *traffic.Request, cont Continuer) (d rules.Decision) {
	if req == nil {
		return rules.Decision{Kind: rules.Passthrough}
	}
	ctx, cancel := context.WithTimeout(ctx, h.decisionTimeout)
	defer cancel()

	start := time.Now()
	entry := h.log.Open(req)
	dispatched := false

	defer func() {
		if r := recover(); r != nil {
			h.l.Error("处理拦截事件异常，降级放行", "panic", r, "url", req.URL)
			d = rules.Decision{Kind: rules.Passthrough}
			if !dispatched {
				h.continueRequest(ctx, req, cont)
			}
		}
		summary := entry.Close()
		h.l.Debug("拦截事件处理完成", "summary", summary, "stage", req.Stage, "duration", time.Since(start))
		h.record(ctx, entry)
	}()

	d = h.engine.Decide(req)
	if d.Kind != rules.Mock {
		dispatched = true
		h.continueRequest(ctx, req, cont)
		return d
	}

	entry.RecordPattern(*d.Pattern)
	res := rules.SynthesizeResponse(*d.Pattern)
	dispatched = true
	if err := cont.Fulfill(ctx, req, res); err != nil {
		h.l.Err(err, "下发模拟响应失败，改为放行", "url", req.URL, "requestID", req.ID)
		h.continueRequest(ctx, req, cont)
		return rules.Decision{Kind: rules.Passthrough}
	}
	entry.RecordMocked(len(res.Body))
	return d
}

func (h *Handler) continueRequest(ctx context.Context, req *traffic.Request, cont Continuer) {
	if err := cont.Continue(ctx, req); err != nil {
		h.l.Err(err, "放行请求失败", "url", req.URL, "requestID", req.ID, "stage", req.Stage)
	}
}

// record 将已关闭的记录写入历史存储
func (h *Handler) record(ctx context.Context, entry *interceptlog.Entry) {
	if h.recorder == nil {
		return
	}
	snap := entry.Snapshot()
	rec := &storage.InterceptionRecord{
		SessionID:  ctxkeys.SessionID(ctx),
		TraceID:    ctxkeys.TraceID(ctx),
		URL:        snap.URL,
		Method:     snap.Method,
		Stage:      string(snap.Stage),
		Mocked:     snap.Mocked,
		Bytes:      snap.Bytes,
		StatusCode: snap.StatusCode,
		Summary:    snap.Summary,
	}
	// 继续指令已经下发，写历史不受决策超时影响
	if err := h.recorder.Save(context.WithoutCancel(ctx), rec); err != nil {
		h.l.Err(err, "保存拦截历史失败", "summary", snap.Summary)
	}
}
