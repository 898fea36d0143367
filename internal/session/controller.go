package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"potemkin/internal/driver"
	"potemkin/internal/forwarder"
	"potemkin/internal/logger"
	"potemkin/internal/rules"
	"potemkin/pkg/model"

	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionActive 已有会话时再次创建
	ErrSessionActive = errors.New("a session is already active")
	// ErrNoSession 当前没有可用会话
	ErrNoSession = errors.New("no active session")
	// ErrLaunch 浏览器或驱动启动失败
	ErrLaunch = errors.New("session launch failed")
)

// Browser 已启动的浏览器
type Browser interface {
	DebuggerAddress() string
	Close() error
}

// Launcher 浏览器启动器
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Driver 已就绪的驱动
type Driver interface {
	Endpoint() string
	NewSession(ctx context.Context, debuggerAddress string, body []byte) (*driver.Session, error)
	Close() error
}

// DriverStarter 驱动启动器
type DriverStarter interface {
	Start(ctx context.Context) (Driver, error)
}

// Subscription 拦截事件订阅，Close 返回前处理中的事件都已下发继续指令
type Subscription interface {
	Close(ctx context.Context) error
}

// Subscriber 将拦截引擎订阅到浏览器的暂停请求事件流
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID, debuggerAddress string) (Subscription, error)
}

// Seeder localStorage 注入
type Seeder interface {
	SeedLocalStorage(ctx context.Context, debuggerAddress string, cfg model.LocalStorageConfig) error
}

// Forwarder 命令转发
type Forwarder interface {
	Forward(ctx context.Context, endpoint, method, path string, body []byte) (*forwarder.Reply, error)
}

// Deps 控制器依赖
type Deps struct {
	Engine     *rules.Engine
	Launcher   Launcher
	Starter    DriverStarter
	Subscriber Subscriber
	Seeder     Seeder
	Forwarder  Forwarder
}

// Options 控制器选项
type Options struct {
	KeepOpen      bool // 会话结束后保留浏览器与驱动，直到下一次创建会话或进程退出
	LaunchTimeout time.Duration
	DrainTimeout  time.Duration
	SeedTimeout   time.Duration
}

// activeSession 一次浏览器加驱动的组合
type activeSession struct {
	id          string
	browserName string
	browser     Browser
	driver      Driver
	sub         Subscription
	ctx         context.Context // 会话结束时取消，用于中断进行中的转发
	cancel      context.CancelFunc
}

// Controller 单会话控制器：Idle → Launching → Active → Closing → Idle
type Controller struct {
	mu        sync.Mutex
	state     model.SessionState
	active    *activeSession
	lingering *activeSession

	deps Deps
	opts Options
	log  logger.Logger
}

// NewController 创建会话控制器
func NewController(deps Deps, opts Options, l logger.Logger) *Controller {
	if l == nil {
		l = logger.NewNop()
	}
	if deps.Engine == nil {
		deps.Engine = rules.New(nil)
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 60 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.SeedTimeout <= 0 {
		opts.SeedTimeout = 15 * time.Second
	}
	return &Controller{state: model.StateIdle, deps: deps, opts: opts, log: l}
}

// State 返回当前状态
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info 返回当前会话概要
func (c *Controller) Info() model.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := model.SessionInfo{State: c.state}
	if s := c.active; s != nil {
		info.SessionID = s.id
		info.BrowserName = s.browserName
		info.DebuggerAddress = s.browser.DebuggerAddress()
		info.DriverEndpoint = s.driver.Endpoint()
	}
	return info
}

// Create 启动浏览器与驱动、创建驱动会话并订阅拦截事件。
// 任何一步失败都会释放已启动的资源并回到 Idle。
func (c *Controller) Create(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	if c.state != model.StateIdle {
		state := c.state
		c.mu.Unlock()
		c.log.Warn("拒绝创建会话", "state", state)
		return nil, ErrSessionActive
	}
	c.state = model.StateLaunching
	lingering := c.lingering
	c.lingering = nil
	c.mu.Unlock()

	if lingering != nil {
		c.release(lingering)
	}

	sess, err := c.launch(ctx, body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = model.StateIdle
		c.log.Err(err, "创建会话失败")
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	c.active = sess
	c.state = model.StateActive
	c.log.Info("会话已创建", "sessionID", sess.id, "debugger", sess.browser.DebuggerAddress(), "driver", sess.driver.Endpoint())
	return newSessionReply(sess.id, sess.browserName)
}

// launch 并行启动浏览器与驱动，然后创建驱动会话并订阅拦截事件
func (c *Controller) launch(ctx context.Context, body []byte) (*activeSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LaunchTimeout)
	defer cancel()

	var (
		b Browser
		d Driver
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		b, err = c.deps.Launcher.Launch(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		d, err = c.deps.Starter.Start(gctx)
		return err
	})
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			closeAll(c.log, b, d)
			return nil, err
		}
	case <-ctx.Done():
		// 没有及时响应取消的启动在后台结束后释放
		go func() {
			<-waited
			closeAll(c.log, b, d)
		}()
		return nil, fmt.Errorf("启动浏览器与驱动超时: %w", ctx.Err())
	}

	ds, err := d.NewSession(ctx, b.DebuggerAddress(), body)
	if err != nil {
		closeAll(c.log, b, d)
		return nil, err
	}

	sub, err := c.deps.Subscriber.Subscribe(ctx, ds.ID, b.DebuggerAddress())
	if err != nil {
		closeAll(c.log, b, d)
		return nil, err
	}

	sctx, scancel := context.WithCancel(context.Background())
	return &activeSession{
		id:          ds.ID,
		browserName: ds.BrowserName,
		browser:     b,
		driver:      d,
		sub:         sub,
		ctx:         sctx,
		cancel:      scancel,
	}, nil
}

// Forward 把命令转发给当前会话的驱动，会话结束时进行中的转发会被取消
func (c *Controller) Forward(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()
	return c.deps.Forwarder.Forward(fctx, sess.driver.Endpoint(), method, path, body)
}

// Delete 结束会话：清空规则、先转发删除命令、取消订阅并等待处理中的事件，最后按模式释放浏览器与驱动
func (c *Controller) Delete(ctx context.Context, method, path string, body []byte) (*forwarder.Reply, error) {
	c.mu.Lock()
	if c.state != model.StateActive || c.active == nil {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	sess := c.active
	c.state = model.StateClosing
	c.mu.Unlock()

	c.deps.Engine.ClearPatterns()
	reply, ferr := c.deps.Forwarder.Forward(ctx, sess.driver.Endpoint(), method, path, body)
	if ferr != nil {
		c.log.Err(ferr, "转发删除会话命令失败", "sessionID", sess.id)
	}

	c.teardown(ctx, sess, c.opts.KeepOpen)
	return reply, ferr
}

// teardown 取消订阅并释放资源，完成后回到 Idle
func (c *Controller) teardown(ctx context.Context, sess *activeSession, keepOpen bool) {
	sess.cancel()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DrainTimeout)
	if err := sess.sub.Close(dctx); err != nil {
		c.log.Warn("取消拦截订阅时出错", "sessionID", sess.id, "error", err)
	}
	cancel()

	if !keepOpen {
		c.release(sess)
	}

	c.mu.Lock()
	c.active = nil
	if keepOpen {
		c.lingering = sess
	}
	c.state = model.StateIdle
	c.mu.Unlock()
	c.log.Info("会话已结束", "sessionID", sess.id, "keepOpen", keepOpen)
}

// release 关闭浏览器与驱动
func (c *Controller) release(sess *activeSession) {
	closeAll(c.log, sess.browser, sess.driver)
}

// SeedLocalStorage 在当前会话的浏览器中注入 localStorage
func (c *Controller) SeedLocalStorage(ctx context.Context, cfg model.LocalStorageConfig) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	if c.deps.Seeder == nil {
		return errors.New("localStorage 注入不可用")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SeedTimeout)
	defer cancel()
	return c.deps.Seeder.SeedLocalStorage(ctx, sess.browser.DebuggerAddress(), cfg)
}

// Shutdown 进程退出前结束会话并释放保留的资源
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	sess := c.active
	lingering := c.lingering
	c.lingering = nil
	if sess != nil {
		c.state = model.StateClosing
	}
	c.mu.Unlock()

	c.deps.Engine.ClearPatterns()
	if sess != nil {
		c.teardown(ctx, sess, false)
	}
	if lingering != nil {
		c.release(lingering)
	}
}

func (c *Controller) current() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.StateActive || c.active == nil {
		return nil, ErrNoSession
	}
	return c.active, nil
}

// newSessionReply 构造 {value:{capabilities:{browserName}, sessionId}} 应答
func newSessionReply(id, browserName string) ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{}`), "value.capabilities.browserName", browserName)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "value.sessionId", id)
}

func closeAll(l logger.Logger, b Browser, d Driver) {
	if d != nil {
		if err := d.Close(); err != nil {
			l.Warn("关闭驱动失败", "error", err)
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			l.Warn("关闭浏览器失败", "error", err)
		}
	}
}
