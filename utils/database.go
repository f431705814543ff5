package utils

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zhifu/charity-settlement/config"
	"github.com/zhifu/charity-settlement/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormWriter 把 gorm 日志转发到 zerolog
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Info().Msg(fmt.Sprintf(format, args...))
}

// InitDatabase 连接 MySQL 并配置连接池
func InitDatabase(cfg config.MySQLConfig, production bool, log zerolog.Logger) (*gorm.DB, error) {
	// 生产环境只记录错误和慢查询
	logLevel := logger.Info
	if production {
		logLevel = logger.Error
	}

	dbLog := log.With().Str("component", "gorm").Logger()
	gormLogger := logger.New(gormWriter{log: dbLog}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logLevel,
		IgnoreRecordNotFoundError: true,
	})

	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("db", cfg.DBName).Msg("connecting to database")

	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	maxIdle, maxOpen := cfg.MaxIdleConns, cfg.MaxOpenConns
	if maxIdle <= 0 {
		maxIdle = 15
	}
	if maxOpen <= 0 {
		maxOpen = 120
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	log.Info().Msg("database connection successful")
	return db, nil
}

// MigrateDatabase 创建或更新账本表
func MigrateDatabase(db *gorm.DB, log zerolog.Logger) error {
	log.Info().Msg("starting database migration")
	if err := db.AutoMigrate(&models.Campaign{}, &models.Donation{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info().Msg("database migration completed")
	return nil
}
