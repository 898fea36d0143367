package cdp

import (
	"strings"

	"potemkin/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

// ToNeutralRequest 将 CDP 暂停事件转换为中立 Request 模型。
// 带有响应状态码的事件属于响应头阶段。
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = strings.ToUpper(ev.Request.Method)
	req.ResourceType = string(ev.ResourceType)
	if ev.ResponseStatusCode != nil {
		req.Stage = traffic.StageHeadersReceived
	}
	req.Headers = traffic.ParseHeader(ev.Request.Headers)
	return req
}

// ToHeaderEntries 将合成响应头转换为 CDP Header 条目，保持原有顺序
func ToHeaderEntries(fields []traffic.HeaderField) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(fields))
	for _, f := range fields {
		entries = append(entries, fetch.HeaderEntry{Name: f.Name, Value: f.Value})
	}
	return entries
}
