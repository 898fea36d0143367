package ctxkeys

import "context"

// TraceIDKey 请求链路ID的上下文键
type TraceIDKey struct{}

// WithTraceID 将链路ID写入上下文
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 从上下文中读取链路ID，不存在时返回空字符串
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(TraceIDKey{}).(string)
	return id
}

// SessionIDKey 当前浏览器会话ID的上下文键
type SessionIDKey struct{}

// WithSessionID 将会话ID写入上下文
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey{}, id)
}

// SessionID 从上下文中读取会话ID
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(SessionIDKey{}).(string)
	return id
}
