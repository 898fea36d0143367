package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"potemkin/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
)

// seedPlaceholder 注入期间站点所有请求的替身内容
const seedPlaceholder = "tweak me."

// SeedLocalStorage 打开新标签页访问目标站点（所有请求以占位内容应答），写入 localStorage 后关闭标签页
func (m *Manager) SeedLocalStorage(ctx context.Context, debuggerAddress string, cfg model.LocalStorageConfig) error {
	dt := devtool.New("http://" + debuggerAddress)
	target, err := dt.Create(ctx)
	if err != nil {
		return fmt.Errorf("创建标签页失败: %w", err)
	}
	defer func() {
		if err := dt.Close(context.WithoutCancel(ctx), target); err != nil {
			m.log.Warn("关闭注入标签页失败", "error", err)
		}
	}()

	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("连接标签页失败: %w", err)
	}
	defer conn.Close()
	c := cdp.NewClient(conn)

	paused, err := c.Fetch.RequestPaused(ctx)
	if err != nil {
		return err
	}
	defer paused.Close()
	all := "*"
	if err := c.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{{URLPattern: &all}}}); err != nil {
		return fmt.Errorf("启用标签页拦截失败: %w", err)
	}
	go func() {
		for {
			ev, err := paused.Recv()
			if err != nil {
				return
			}
			args := &fetch.FulfillRequestArgs{
				RequestID:       ev.RequestID,
				ResponseCode:    200,
				ResponseHeaders: []fetch.HeaderEntry{{Name: "Content-Type", Value: "text/plain"}},
				Body:            []byte(seedPlaceholder),
			}
			if err := c.Fetch.FulfillRequest(ctx, args); err != nil {
				m.log.Debug("注入标签页应答失败", "url", ev.Request.URL, "error", err)
			}
		}
	}()

	if err := c.Page.Enable(ctx); err != nil {
		return err
	}
	loaded, err := c.Page.LoadEventFired(ctx)
	if err != nil {
		return err
	}
	defer loaded.Close()

	nav, err := c.Page.Navigate(ctx, page.NewNavigateArgs(cfg.URL))
	if err != nil {
		return fmt.Errorf("打开站点失败: %w", err)
	}
	if nav.ErrorText != nil && *nav.ErrorText != "" {
		return fmt.Errorf("打开站点失败: %s", *nav.ErrorText)
	}
	if _, err := loaded.Recv(); err != nil {
		return fmt.Errorf("等待页面加载失败: %w", err)
	}

	expr, err := localStorageScript(cfg.StorageValues)
	if err != nil {
		return err
	}
	reply, err := c.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expr))
	if err != nil {
		return fmt.Errorf("写入 localStorage 失败: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("写入 localStorage 脚本异常: %s", reply.ExceptionDetails.Text)
	}
	m.log.Info("localStorage 注入完成", "url", cfg.URL, "keys", len(cfg.StorageValues))
	return nil
}

// localStorageScript 生成写入脚本，字符串原样写入，其余值写入其 JSON 文本
func localStorageScript(values map[string]any) (string, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("序列化 localStorage 值失败: %w", err)
	}
	return fmt.Sprintf(`(function (v) {
  for (const k in v) {
    localStorage.setItem(k, typeof v[k] === "string" ? v[k] : JSON.stringify(v[k]));
  }
  return Object.keys(v).length;
})(%s)`, raw), nil
}
