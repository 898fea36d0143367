// Package api 命令面的 Go 客户端，供测试代码在驱动浏览器之前安装规则、读取拦截日志。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"potemkin/pkg/model"
)

// Client 命令面客户端接口
type Client interface {
	// SetPatterns 替换规则集
	SetPatterns(ctx context.Context, patterns []model.MockPattern) error

	// ClearPatterns 清空规则
	ClearPatterns(ctx context.Context) error

	// Patterns 当前规则
	Patterns(ctx context.Context) ([]model.MockPattern, error)

	// Log 拦截日志摘要
	Log(ctx context.Context) ([]string, error)

	// SetLocalStorage 向当前会话注入 localStorage
	SetLocalStorage(ctx context.Context, cfg model.LocalStorageConfig) error

	// Session 当前会话概要
	Session(ctx context.Context) (model.SessionInfo, error)
}

// StatusError 非 2xx 应答
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("potemkin: unexpected status %d: %s", e.StatusCode, e.Body)
}

type client struct {
	base string
	hc   *http.Client
}

// NewClient 创建客户端，baseURL 形如 http://localhost:1774
func NewClient(baseURL string, hc *http.Client) Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &client{base: strings.TrimSuffix(baseURL, "/"), hc: hc}
}

func (c *client) SetPatterns(ctx context.Context, patterns []model.MockPattern) error {
	if patterns == nil {
		patterns = []model.MockPattern{}
	}
	return c.do(ctx, http.MethodPost, "/api/patterns", patterns, nil)
}

func (c *client) ClearPatterns(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/patterns", nil, nil)
}

func (c *client) Patterns(ctx context.Context) ([]model.MockPattern, error) {
	var out []model.MockPattern
	err := c.do(ctx, http.MethodGet, "/api/patterns", nil, &out)
	return out, err
}

func (c *client) Log(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/api/log", nil, &out)
	return out, err
}

func (c *client) SetLocalStorage(ctx context.Context, cfg model.LocalStorageConfig) error {
	return c.do(ctx, http.MethodPost, "/api/local-storage", cfg, nil)
}

func (c *client) Session(ctx context.Context) (model.SessionInfo, error) {
	var out model.SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/session", nil, &out)
	return out, err
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
