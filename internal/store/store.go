// Package store 负责用户与明信片的持久化（GORM + MySQL）。
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 唯一索引冲突（用户名或邮箱已存在）。
	ErrDuplicate = errors.New("duplicate record")
)

// Store 封装数据库访问。
type Store struct {
	db *gorm.DB
}

// New 基于已打开的连接创建 Store。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open 连接 MySQL。
//
// TranslateError 让唯一索引冲突以 gorm.ErrDuplicatedKey 的形式返回。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate 执行自动迁移。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.User{}, &model.Postcard{})
}

// DB 返回底层连接，供健康检查与关闭使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}
