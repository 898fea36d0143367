package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	adapter "potemkin/internal/adapter/cdp"
	"potemkin/internal/ctxkeys"
	"potemkin/internal/handler"
	"potemkin/internal/logger"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"
)

// ErrNoPageTarget 浏览器中没有可附加的页面
var ErrNoPageTarget = errors.New("no page target")

// disableTimeout 关闭 Fetch 域的上限，排空超时后仍需要下发
const disableTimeout = 2 * time.Second

// pausedStream Fetch.requestPaused 事件流
type pausedStream interface {
	Recv() (*fetch.RequestPausedReply, error)
	Close() error
}

// Manager 负责把拦截事件流订阅到事件处理器
type Manager struct {
	handler *handler.Handler
	log     logger.Logger
}

// New 创建订阅管理器
func New(h *handler.Handler, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{handler: h, log: l}
}

// Subscribe 附加到浏览器的第一个页面，只拦截 XHR 请求的请求阶段与响应头阶段
func (m *Manager) Subscribe(ctx context.Context, sessionID, debuggerAddress string) (*Subscription, error) {
	dt := devtool.New("http://" + debuggerAddress)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("列出调试目标失败: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type == devtool.Page {
			sel = t
			break
		}
	}
	if sel == nil {
		return nil, ErrNoPageTarget
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("连接调试目标失败: %w", err)
	}
	client := cdp.NewClient(conn)

	base := ctxkeys.WithSessionID(context.Background(), sessionID)
	// 先建立事件流再启用拦截，避免丢失启用后的第一批事件
	stream, err := client.Fetch.RequestPaused(base)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("订阅拦截事件流失败: %w", err)
	}
	if err := client.Network.Enable(ctx, nil); err != nil {
		stream.Close()
		conn.Close()
		return nil, fmt.Errorf("启用 Network 域失败: %w", err)
	}
	if err := client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: interceptPatterns()}); err != nil {
		stream.Close()
		conn.Close()
		return nil, fmt.Errorf("启用 Fetch 拦截失败: %w", err)
	}

	l := m.log.With("session", sessionID, "target", string(sel.ID))
	sub := newSubscription(base, stream, &executor{client: client}, m.handler, l)
	sub.disable = func(ctx context.Context) error { return client.Fetch.Disable(ctx) }
	sub.closeConn = conn.Close
	sub.start()
	l.Info("开始消费拦截事件流", "url", sel.URL)
	return sub, nil
}

// interceptPatterns 只暂停 XHR 请求，分别在请求阶段与响应头阶段
func interceptPatterns() []fetch.RequestPattern {
	all := "*"
	xhr := network.ResourceTypeXHR
	return []fetch.RequestPattern{
		{URLPattern: &all, ResourceType: &xhr, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &all, ResourceType: &xhr, RequestStage: fetch.RequestStageResponse},
	}
}

// Subscription 一次拦截事件订阅，Close 即取消订阅
type Subscription struct {
	base      context.Context
	cancel    context.CancelFunc
	stream    pausedStream
	cont      handler.Continuer
	handler   *handler.Handler
	log       logger.Logger
	disable   func(context.Context) error
	closeConn func() error

	inflight  sync.WaitGroup
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(ctx context.Context, stream pausedStream, cont handler.Continuer, h *handler.Handler, l logger.Logger) *Subscription {
	if l == nil {
		l = logger.NewNop()
	}
	base, cancel := context.WithCancel(ctx)
	return &Subscription{
		base:    base,
		cancel:  cancel,
		stream:  stream,
		cont:    cont,
		handler: h,
		log:     l,
		done:    make(chan struct{}),
	}
}

func (s *Subscription) start() {
	go s.consume()
}

// consume 持续接收拦截事件，每个事件独立处理
func (s *Subscription) consume() {
	defer close(s.done)
	for {
		ev, err := s.stream.Recv()
		if err != nil {
			if !s.closing.Load() {
				s.log.Err(err, "接收拦截事件失败，事件流终止")
			}
			return
		}
		s.dispatchPaused(ev)
	}
}

// dispatchPaused 为单次拦截事件启动处理协程
func (s *Subscription) dispatchPaused(ev *fetch.RequestPausedReply) {
	req := adapter.ToNeutralRequest(ev)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.handler.Handle(s.base, req, s.cont)
	}()
}

// Close 停止拦截：先关闭事件流并等待处理中的事件全部下发继续指令（受 ctx 限制），
// 再关闭 Fetch 域释放此后暂停的请求，最后断开连接
func (s *Subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if err := s.stream.Close(); err != nil {
			s.log.Warn("关闭拦截事件流失败", "error", err)
		}
		<-s.done

		drained := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("等待处理中的拦截事件超时: %w", ctx.Err())
		}

		if s.disable != nil {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disableTimeout)
			if err := s.disable(dctx); err != nil {
				s.log.Warn("关闭 Fetch 拦截失败", "error", err)
			}
			cancel()
		}

		s.cancel()
		if s.closeConn != nil {
			if err := s.closeConn(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.log.Info("拦截事件订阅已关闭")
	})
	return s.closeErr
}
