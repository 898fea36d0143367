package storage

import (
	"context"
	"errors"
	"time"

	"potemkin/internal/ctxkeys"
	"potemkin/internal/logger"

	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

// defaultSlowQuery 超过该耗时的语句以 warn 级别输出
const defaultSlowQuery = 200 * time.Millisecond

// GormLogger 将 gorm 日志转发到 logger.Logger，附带请求追踪 ID 与会话 ID
type GormLogger struct {
	log       logger.Logger
	level     glogger.LogLevel
	slowQuery time.Duration
}

// NewGormLogger 创建 gorm 日志适配器，默认只输出告警与错误
func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{log: l, level: glogger.Warn, slowQuery: defaultSlowQuery}
}

// LogMode 返回指定级别的副本
func (g *GormLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= glogger.Info {
		g.log.Info(msg, g.fields(ctx, "data", data)...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= glogger.Warn {
		g.log.Warn(msg, g.fields(ctx, "data", data)...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= glogger.Error {
		g.log.Error(msg, g.fields(ctx, "data", data)...)
	}
}

// Trace 输出单条语句，未找到记录不视为错误
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= glogger.Error:
		sql, rows := fc()
		g.log.Err(err, "拦截历史语句执行失败", g.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case g.slowQuery > 0 && elapsed > g.slowQuery && g.level >= glogger.Warn:
		sql, rows := fc()
		g.log.Warn("拦截历史慢语句", g.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case g.level >= glogger.Info:
		sql, rows := fc()
		g.log.Debug("拦截历史语句", g.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	}
}

func (g *GormLogger) fields(ctx context.Context, kv ...any) []any {
	out := make([]any, 0, len(kv)+4)
	if id := ctxkeys.TraceID(ctx); id != "" {
		out = append(out, "traceID", id)
	}
	if id := ctxkeys.SessionID(ctx); id != "" {
		out = append(out, "sessionID", id)
	}
	return append(out, kv...)
}
