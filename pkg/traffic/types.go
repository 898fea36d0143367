package traffic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Stage 拦截阶段
type Stage string

const (
	StageRequest         Stage = "request"          // 请求发出前
	StageHeadersReceived Stage = "headers_received" // 收到响应头后
)

// Header 大小写不敏感的头部集合，键统一以小写存储
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Lookup 获取指定 Header 的值并返回是否存在
func (h Header) Lookup(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[strings.ToLower(key)]
	return v, ok
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// ParseHeader 解析协议上报的 JSON 头部对象。
// 非字符串的值按其 JSON 文本保存，无法解析时返回空集合而不是错误。
func ParseHeader(raw []byte) Header {
	h := make(Header)
	if len(raw) == 0 {
		return h
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	for k, v := range m {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			h.Set(k, s)
			continue
		}
		h.Set(k, string(v))
	}
	return h
}

// Request 中立的被暂停请求模型
type Request struct {
	ID           string // 暂停请求的唯一ID
	Stage        Stage  // 拦截阶段
	URL          string // 完整URL
	Method       string // HTTP方法
	Headers      Header // 请求头
	ResourceType string // 资源类型 (如 Document, XHR)
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Stage:   StageRequest,
		Headers: make(Header),
	}
}

// Response 合成的完整响应
type Response struct {
	StatusCode int    // 状态码
	Reason     string // 状态描述
	Headers    []HeaderField
	Body       []byte // 响应体数据
}

// HeaderField 保持顺序的单个响应头
type HeaderField struct {
	Name  string
	Value string
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Reason:     "OK",
	}
}

// Header 按名称查找响应头（大小写不敏感）
func (r *Response) Header(name string) string {
	for _, f := range r.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// ContentLength 返回声明的 Content-Length，缺失或非法时返回 -1
func (r *Response) ContentLength() int {
	n, err := strconv.Atoi(r.Header("Content-Length"))
	if err != nil {
		return -1
	}
	return n
}

// StatusLine 返回 HTTP/1.1 状态行（不含换行）
func (r *Response) StatusLine() string {
	return fmt.Sprintf("HTTP/1.1 %d %s", r.StatusCode, r.Reason)
}

// Raw 渲染为原始 HTTP/1.1 响应报文
func (r *Response) Raw() []byte {
	var b strings.Builder
	b.WriteString(r.StatusLine())
	b.WriteString("\r\n")
	for _, f := range r.Headers {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return []byte(b.String())
}

// SortedKeys 返回排序后的头部名称，便于稳定输出
func (h Header) SortedKeys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
