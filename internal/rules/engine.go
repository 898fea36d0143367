package rules

import (
	"strings"
	"sync/atomic"

	"potemkin/pkg/model"
	"potemkin/pkg/traffic"
)

// EligibilityHeader 判断请求是否期望 JSON 的头部
const EligibilityHeader = "Accept"

const jsonMediaType = "application/json"

// Kind 决策类型
type Kind int

const (
	Passthrough Kind = iota // 放行
	Mock                    // 以模拟响应替换
)

func (k Kind) String() string {
	if k == Mock {
		return "mock"
	}
	return "passthrough"
}

// Decision 单次拦截的决策结果
type Decision struct {
	Kind    Kind
	Pattern *model.MockPattern // 命中的规则，仅 Mock 时非空
}

// Engine 模拟规则引擎，规则集整体替换，匹配时读取不可变快照
type Engine struct {
	patterns atomic.Pointer[[]model.MockPattern]
}

// New 创建规则引擎
func New(patterns []model.MockPattern) *Engine {
	e := &Engine{}
	e.SetPatterns(patterns)
	return e
}

// SetPatterns 以整体替换的方式更新规则集，不做校验
func (e *Engine) SetPatterns(patterns []model.MockPattern) {
	snapshot := make([]model.MockPattern, len(patterns))
	copy(snapshot, patterns)
	e.patterns.Store(&snapshot)
}

// ClearPatterns 清空规则集
func (e *Engine) ClearPatterns() {
	e.SetPatterns(nil)
}

// Patterns 返回当前规则集的副本
func (e *Engine) Patterns() []model.MockPattern {
	cur := e.snapshot()
	out := make([]model.MockPattern, len(cur))
	copy(out, cur)
	return out
}

func (e *Engine) snapshot() []model.MockPattern {
	p := e.patterns.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Eligible 请求的 Accept 头包含 application/json（大小写不敏感）时才参与匹配
func Eligible(req *traffic.Request) bool {
	if req == nil {
		return false
	}
	v, ok := req.Headers.Lookup(EligibilityHeader)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(v), jsonMediaType)
}

// Match 按列表顺序返回第一个命中的规则
func (e *Engine) Match(url, method string) *model.MockPattern {
	for _, p := range e.snapshot() {
		if !strings.HasPrefix(url, p.URLPattern) {
			continue
		}
		if p.Method != "" && !strings.EqualFold(p.Method, method) {
			continue
		}
		matched := p
		return &matched
	}
	return nil
}

// Decide 对一次被暂停的请求做出模拟或放行的决策
func (e *Engine) Decide(req *traffic.Request) Decision {
	if !Eligible(req) {
		return Decision{Kind: Passthrough}
	}
	p := e.Match(req.URL, req.Method)
	if p == nil || p.MockResponse == "" {
		return Decision{Kind: Passthrough}
	}
	return Decision{Kind: Mock, Pattern: p}
}
