// Package forwarder 将自动化协议命令原样转发给驱动。
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"potemkin/internal/logger"
)

// ErrGateway 与驱动之间的传输失败
var ErrGateway = errors.New("driver gateway error")

// Reply 驱动应答
type Reply struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Forwarder 命令转发器，不做重试
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	log     logger.Logger
}

// New 创建转发器，timeout 为单次转发上限
func New(client *http.Client, timeout time.Duration, l logger.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Forwarder{client: client, timeout: timeout, log: l}
}

// Forward 将请求发往 endpoint+path 并原样返回应答体。
// path 可以携带查询串，传输失败时返回包装了 ErrGateway 的错误。
func (f *Forwarder) Forward(ctx context.Context, endpoint, method, path string, body []byte) (*Reply, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("转发到驱动失败", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取应答失败: %v", ErrGateway, err)
	}
	f.log.Debug("转发完成", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return &Reply{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
