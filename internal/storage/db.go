package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"potemkin/internal/logger"
	"potemkin/pkg/model"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// InterceptionRecord 拦截历史表
type InterceptionRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"index;size:128"`
	TraceID    string `gorm:"size:36"`
	URL        string
	Method     string `gorm:"size:16"`
	Stage      string `gorm:"size:32"`
	Mocked     bool   `gorm:"index"`
	Bytes      int
	StatusCode int
	Summary    string
	CreatedAt  time.Time `gorm:"index"`
}

// BeforeCreate 自动生成主键
func (r *InterceptionRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ToModel 转换为对外模型
func (r *InterceptionRecord) ToModel() model.InterceptionRecord {
	return model.InterceptionRecord{
		ID:         r.ID,
		SessionID:  r.SessionID,
		URL:        r.URL,
		Method:     r.Method,
		Stage:      r.Stage,
		Mocked:     r.Mocked,
		Bytes:      r.Bytes,
		StatusCode: r.StatusCode,
		Summary:    r.Summary,
		CreatedAt:  r.CreatedAt.UnixMilli(),
	}
}

// Filter 历史查询条件
type Filter struct {
	SessionID string
	Mocked    *bool
	Limit     int
}

// Store 拦截历史存储
type Store struct {
	db *gorm.DB
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// 内存库的每个连接都是独立数据库
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&InterceptionRecord{}); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return &Store{db: db}, nil
}

// Save 保存一条拦截记录
func (s *Store) Save(ctx context.Context, rec *InterceptionRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// List 按时间顺序查询拦截记录
func (s *Store) List(ctx context.Context, f Filter) ([]InterceptionRecord, error) {
	q := s.db.WithContext(ctx).Model(&InterceptionRecord{})
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Mocked != nil {
		q = q.Where("mocked = ?", *f.Mocked)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []InterceptionRecord
	err := q.Order("created_at asc").Order("rowid asc").Find(&out).Error
	return out, err
}

// Count 返回记录总数
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&InterceptionRecord{}).Count(&n).Error
	return n, err
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
