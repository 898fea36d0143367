package cdp

import (
	"context"

	adapter "potemkin/internal/adapter/cdp"
	"potemkin/pkg/traffic"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
)

// executor 通过 Fetch 域下发继续指令
type executor struct {
	client *cdp.Client
}

// Continue 按阶段原样放行
func (e *executor) Continue(ctx context.Context, req *traffic.Request) error {
	id := fetch.RequestID(req.ID)
	if req.Stage == traffic.StageHeadersReceived {
		return e.client.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: id})
	}
	return e.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: id})
}

// Fulfill 以合成响应结束请求
func (e *executor) Fulfill(ctx context.Context, req *traffic.Request, res *traffic.Response) error {
	phrase := res.Reason
	args := &fetch.FulfillRequestArgs{
		RequestID:       fetch.RequestID(req.ID),
		ResponseCode:    res.StatusCode,
		ResponseHeaders: adapter.ToHeaderEntries(res.Headers),
		Body:            res.Body,
		ResponsePhrase:  &phrase,
	}
	return e.client.Fetch.FulfillRequest(ctx, args)
}
