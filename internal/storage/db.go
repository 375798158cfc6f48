package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"cdpmirror/internal/logger"
	"cdpmirror/pkg/domain"
)

// CachedBody 持久化的转换结果，Body 为 zstd 压缩数据
type CachedBody struct {
	Digest       string `gorm:"primaryKey;size:80"`
	ResourceType string `gorm:"size:16"`
	RawSize      int
	Body         []byte
	CreatedAt    time.Time
}

// ExchangeRecord 单次交换的处理记录
type ExchangeRecord struct {
	ID           uint   `gorm:"primaryKey"`
	TraceID      string `gorm:"size:36;index"`
	SessionID    string `gorm:"size:36;index"`
	TargetID     string `gorm:"size:64"`
	URL          string
	ResourceType string `gorm:"size:16"`
	Result       string `gorm:"size:16;index"`
	StatusCode   int
	BytesIn      int
	BytesOut     int
	DurationMs   int64
	Error        string
	CreatedAt    time.Time
}

// DB 存储层封装
type DB struct {
	gdb *gorm.DB
	log logger.Logger
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*DB, error) {
	if l == nil {
		l = logger.NewNop()
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := gdb.AutoMigrate(&CachedBody{}, &ExchangeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &DB{gdb: gdb, log: l, enc: enc, dec: dec}, nil
}

// Close 关闭底层连接
func (d *DB) Close() error {
	d.dec.Close()
	_ = d.enc.Close()
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadBody 实现 cache.Store
func (d *DB) LoadBody(ctx context.Context, key string) ([]byte, bool, error) {
	var rec CachedBody
	err := d.gdb.WithContext(ctx).Where(&CachedBody{Digest: key}).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	body, err := d.dec.DecodeAll(rec.Body, make([]byte, 0, rec.RawSize))
	if err != nil {
		return nil, false, fmt.Errorf("decompress %s: %w", key, err)
	}
	return body, true, nil
}

// SaveBody 实现 cache.Store；主键冲突时保留已有记录
func (d *DB) SaveBody(ctx context.Context, key string, rt domain.ResourceType, body []byte) error {
	rec := CachedBody{
		Digest:       key,
		ResourceType: string(rt),
		RawSize:      len(body),
		Body:         d.enc.EncodeAll(body, nil),
	}
	return d.gdb.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// RecordExchange 写入交换记录
func (d *DB) RecordExchange(ctx context.Context, rec *ExchangeRecord) error {
	return d.gdb.WithContext(ctx).Create(rec).Error
}

// RecentExchanges 按时间倒序读取最近的交换记录
func (d *DB) RecentExchanges(ctx context.Context, limit int) ([]ExchangeRecord, error) {
	var out []ExchangeRecord
	err := d.gdb.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}
