// Package browser 启动并管理被测 Chrome 进程。
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"potemkin/internal/logger"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// Config 浏览器启动配置
type Config struct {
	Bin      string   // 浏览器可执行文件，留空时自动查找或下载
	Headless bool     // 无头模式
	Flags    []string // 额外命令行参数，形如 --name=value
}

// Launcher 浏览器启动器
type Launcher struct {
	cfg Config
	log logger.Logger
}

// NewLauncher 创建启动器
func NewLauncher(cfg Config, l logger.Logger) *Launcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &Launcher{cfg: cfg, log: l}
}

// cleanupTimeout 等待浏览器进程退出并删除用户数据目录的上限
const cleanupTimeout = 10 * time.Second

// Browser 已启动的浏览器实例
type Browser struct {
	controlURL string
	address    string
	l          *launcher.Launcher
	cancel     context.CancelFunc
	log        logger.Logger
	once       sync.Once
}

// Launch 启动浏览器并返回其调试协议地址。
// ctx 结束时立即返回，仍在进行的启动（包括下载浏览器）会被取消，迟到的进程在后台结束并清理。
func (ln *Launcher) Launch(ctx context.Context) (*Browser, error) {
	// 启动器使用独立的上下文，只在失败时取消，浏览器的生命周期不跟随请求上下文
	lctx, cancel := context.WithCancel(context.Background())
	l := launcher.New().Context(lctx).Headless(ln.cfg.Headless)
	if ln.cfg.Bin != "" {
		l = l.Bin(ln.cfg.Bin)
	}
	for _, raw := range ln.cfg.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}

	type launched struct {
		url string
		err error
	}
	ch := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		ch <- launched{url: u, err: err}
	}()

	var controlURL string
	select {
	case r := <-ch:
		if r.err != nil {
			cancel()
			release(l, ln.log)
			return nil, fmt.Errorf("启动浏览器失败: %w", r.err)
		}
		controlURL = r.url
	case <-ctx.Done():
		cancel()
		go func() {
			r := <-ch
			if r.err == nil {
				ln.log.Warn("浏览器在启动超时后才就绪，已结束", "controlURL", r.url)
			}
			release(l, ln.log)
		}()
		return nil, fmt.Errorf("启动浏览器超时: %w", ctx.Err())
	}
	addr, err := DebuggerAddress(controlURL)
	if err != nil {
		cancel()
		release(l, ln.log)
		return nil, err
	}
	ln.log.Info("浏览器已启动", "controlURL", controlURL, "pid", l.PID())
	return &Browser{controlURL: controlURL, address: addr, l: l, cancel: cancel, log: ln.log}, nil
}

// release 结束浏览器进程并删除用户数据目录，进程从未启动时什么也不做
func release(l *launcher.Launcher, log logger.Logger) {
	if l.PID() == 0 {
		return
	}
	l.Kill()
	done := make(chan struct{})
	go func() {
		l.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cleanupTimeout):
		log.Warn("等待浏览器进程退出超时", "pid", l.PID())
	}
}

// ControlURL 返回浏览器级 WebSocket 调试地址
func (b *Browser) ControlURL() string { return b.controlURL }

// DebuggerAddress 返回 host:port 形式的调试地址
func (b *Browser) DebuggerAddress() string { return b.address }

// Close 结束浏览器进程并清理用户数据目录
func (b *Browser) Close() error {
	b.once.Do(func() {
		b.cancel()
		release(b.l, b.log)
	})
	return nil
}

// DebuggerAddress 从 ws://host:port/devtools/browser/<id> 中提取 host:port
func DebuggerAddress(controlURL string) (string, error) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return "", fmt.Errorf("解析调试地址失败: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("调试地址缺少主机: %q", controlURL)
	}
	return u.Host, nil
}
