// Package interceptlog 记录每一次被暂停请求的处理结果，只追加不清空。
package interceptlog

import (
	"fmt"
	"strings"
	"sync"

	"potemkin/pkg/model"
	"potemkin/pkg/traffic"
)

// Entry 单条拦截记录，Close 之后不可再修改
type Entry struct {
	mu            sync.Mutex
	url           string
	method        string
	stage         traffic.Stage
	mocked        bool
	contentLength int
	statusCode    int
	closed        bool
	summary       string
}

// RecordPattern 记录命中的规则
func (e *Entry) RecordPattern(p model.MockPattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.contentLength = len(p.MockResponse)
	e.statusCode = p.StatusCode()
}

// RecordMocked 标记已返回模拟响应，n 为响应体字节数
func (e *Entry) RecordMocked(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.mocked = true
	e.contentLength = n
}

// Close 生成并冻结摘要，重复调用返回同一结果
func (e *Entry) Close() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.summary = e.formatLocked()
		e.closed = true
	}
	return e.summary
}

// String 返回当前摘要，未关闭时按现有状态渲染
func (e *Entry) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.summary
	}
	return e.formatLocked()
}

// Snapshot 返回记录的只读副本
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		URL:    e.url,
		Method: e.method,
		Stage:  e.stage,
		Mocked: e.mocked,
		Closed: e.closed,
	}
	if e.mocked {
		s.Bytes = e.contentLength
		s.StatusCode = e.statusCode
	}
	if e.closed {
		s.Summary = e.summary
	} else {
		s.Summary = e.formatLocked()
	}
	return s
}

func (e *Entry) formatLocked() string {
	mark := "_"
	if e.mocked {
		mark = "#"
	}
	s := fmt.Sprintf("[%s] %s %s", mark, e.method, e.url)
	if e.mocked && e.contentLength > -1 {
		s += fmt.Sprintf(" (%db)", e.contentLength)
	}
	return s
}

// Snapshot 拦截记录快照
type Snapshot struct {
	URL        string
	Method     string
	Stage      traffic.Stage
	Mocked     bool
	Bytes      int
	StatusCode int
	Closed     bool
	Summary    string
}

// Log 按到达顺序保存拦截记录
type Log struct {
	mu      sync.RWMutex
	entries []*Entry
}

// New 创建拦截日志
func New() *Log {
	return &Log{}
}

// Open 为一次拦截事件创建并追加记录
func (l *Log) Open(req *traffic.Request) *Entry {
	e := &Entry{contentLength: -1}
	if req != nil {
		e.url = req.URL
		e.method = strings.ToUpper(req.Method)
		e.stage = req.Stage
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return e
}

// Entries 返回全部记录的摘要，顺序与到达顺序一致
func (l *Log) Entries() []string {
	list := l.list()
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.String()
	}
	return out
}

// Snapshots 返回全部记录的快照
func (l *Log) Snapshots() []Snapshot {
	list := l.list()
	out := make([]Snapshot, len(list))
	for i, e := range list {
		out[i] = e.Snapshot()
	}
	return out
}

// Len 返回记录条数
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) list() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[:len(l.entries):len(l.entries)]
}
