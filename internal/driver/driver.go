// Package driver 管理 chromedriver 进程以及与其会话相关的 HTTP 交互。
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"potemkin/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNoSessionID 驱动应答中没有会话ID
var ErrNoSessionID = errors.New("driver reply carries no session id")

// Config 驱动配置
type Config struct {
	Bin  string
	Host string
	Port int
	W3C  bool // false 时以非严格兼容模式创建会话
}

// Endpoint 返回驱动的基础地址
func (c Config) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Starter 负责启动驱动进程
type Starter struct {
	cfg  Config
	http *http.Client
	log  logger.Logger
}

// NewStarter 创建驱动启动器
func NewStarter(cfg Config, l logger.Logger) *Starter {
	if l == nil {
		l = logger.NewNop()
	}
	return &Starter{cfg: cfg, http: &http.Client{}, log: l}
}

// Start 启动驱动进程并等待其就绪
func (s *Starter) Start(ctx context.Context) (*Driver, error) {
	cmd := exec.Command(s.cfg.Bin, fmt.Sprintf("--port=%d", s.cfg.Port))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动驱动进程失败: %w", err)
	}
	d := Attach(s.cfg.Endpoint(), s.cfg.W3C, s.http, s.log)
	d.cmd = cmd
	d.exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(d.exited)
	}()

	if err := d.WaitReady(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	s.log.Info("驱动已就绪", "endpoint", d.endpoint, "pid", cmd.Process.Pid)
	return d, nil
}

// Driver 一个可用的驱动端点，可能由本进程启动
type Driver struct {
	endpoint string
	w3c      bool
	http     *http.Client
	log      logger.Logger

	cmd    *exec.Cmd
	exited chan struct{}
	once   sync.Once
}

// Attach 连接到已经运行的驱动端点
func Attach(endpoint string, w3c bool, client *http.Client, l logger.Logger) *Driver {
	if client == nil {
		client = &http.Client{}
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Driver{endpoint: endpoint, w3c: w3c, http: client, log: l}
}

// Endpoint 返回驱动的基础地址
func (d *Driver) Endpoint() string { return d.endpoint }

// WaitReady 以指数退避轮询 /status 直到驱动就绪
func (d *Driver) WaitReady(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	op := func() error {
		if d.exited != nil {
			select {
			case <-d.exited:
				return backoff.Permanent(errors.New("驱动进程已退出"))
			default:
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/status", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("驱动状态码 %d", resp.StatusCode)
		}
		if ready := gjson.GetBytes(body, "value.ready"); ready.Exists() && !ready.Bool() {
			return errors.New("驱动尚未就绪")
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("等待驱动就绪失败: %w", err)
	}
	return nil
}

// Session 驱动创建的会话
type Session struct {
	ID          string
	BrowserName string
}

// NewSession 让驱动附加到 debuggerAddress 上的浏览器并创建会话
func (d *Driver) NewSession(ctx context.Context, debuggerAddress string, body []byte) (*Session, error) {
	payload, err := Capabilities(body, debuggerAddress, d.w3c)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/session", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求驱动创建会话失败: %w", err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取驱动应答失败: %w", err)
	}
	return parseSession(resp.StatusCode, reply)
}

// parseSession 兼容旧协议（顶层 sessionId）与 W3C（value.sessionId）两种应答
func parseSession(status int, reply []byte) (*Session, error) {
	if msg := gjson.GetBytes(reply, "value.error"); msg.Exists() && msg.String() != "" {
		return nil, fmt.Errorf("驱动拒绝创建会话 (%d): %s: %s", status, msg.String(), gjson.GetBytes(reply, "value.message").String())
	}
	if st := gjson.GetBytes(reply, "status"); st.Exists() && st.Int() != 0 {
		return nil, fmt.Errorf("驱动拒绝创建会话 (status %d): %s", st.Int(), gjson.GetBytes(reply, "value.message").String())
	}
	id := gjson.GetBytes(reply, "sessionId").String()
	if id == "" {
		id = gjson.GetBytes(reply, "value.sessionId").String()
	}
	if id == "" {
		return nil, ErrNoSessionID
	}
	name := gjson.GetBytes(reply, "value.capabilities.browserName").String()
	if name == "" {
		name = gjson.GetBytes(reply, "value.browserName").String()
	}
	if name == "" {
		name = "chrome"
	}
	return &Session{ID: id, BrowserName: name}, nil
}

// Capabilities 在客户端请求体中注入调试地址与兼容模式，旧协议与 W3C 两种形态都写入
func Capabilities(body []byte, debuggerAddress string, w3c bool) ([]byte, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		body = []byte(`{}`)
	}
	out := append([]byte(nil), body...)
	for _, root := range []string{"desiredCapabilities", "capabilities.alwaysMatch"} {
		var err error
		if out, err = sjson.SetBytes(out, root+".browserName", "chrome"); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, root+".goog:chromeOptions.debuggerAddress", debuggerAddress); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, root+".goog:chromeOptions.w3c", w3c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close 结束由本进程启动的驱动
func (d *Driver) Close() error {
	var err error
	d.once.Do(func() {
		if d.cmd == nil || d.cmd.Process == nil {
			return
		}
		select {
		case <-d.exited:
			return
		default:
		}
		if kerr := d.cmd.Process.Kill(); kerr != nil {
			err = kerr
		}
		<-d.exited
		d.log.Info("驱动已退出", "endpoint", d.endpoint)
	})
	return err
}
