package rules

import (
	"net/http"
	"strconv"
	"time"

	"potemkin/pkg/model"
	"potemkin/pkg/traffic"
)

// now 便于测试替换
var now = time.Now

// SynthesizeResponse 根据规则合成完整响应。
// 报文只使用固定 Content-Length 分帧，不声明 chunked 传输编码。
func SynthesizeResponse(p model.MockPattern) *traffic.Response {
	body := []byte(p.MockResponse)
	res := traffic.NewResponse()
	res.StatusCode = p.StatusCode()
	res.Reason = "OK"
	res.Headers = []traffic.HeaderField{
		{Name: "Date", Value: now().UTC().Format(http.TimeFormat)},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "Content-Type", Value: "application/json"},
	}
	res.Body = body
	return res
}
