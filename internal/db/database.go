package db

import (
	"fmt"
	stlog "log"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chatsync/internal/models"
)

// DB is the global ledger connection.
var DB *gorm.DB

// InitDB opens the progress ledger at dsn and stores it in DB.
func InitDB(dsn string) error {
	conn, err := Open(dsn)
	if err != nil {
		return err
	}
	DB = conn
	log.Info().Str("dsn", dsn).Msg("Ledger connection established")
	return nil
}

// Open connects to a SQLite ledger without touching the global.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ledger DSN cannot be empty")
	}

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	return conn, nil
}

// MigrateDB auto-migrates the ledger models on the global connection.
func MigrateDB() error {
	if DB == nil {
		return fmt.Errorf("ledger not initialized, call InitDB first")
	}
	return Migrate(DB)
}

// Migrate auto-migrates the ledger models on conn.
func Migrate(conn *gorm.DB) error {
	toMigrate := []interface{}{&models.ImportProgress{}, &models.SyncRun{}}
	if err := conn.AutoMigrate(toMigrate...); err != nil {
		return fmt.Errorf("failed to auto-migrate ledger: %w", err)
	}
	log.Debug().Int("models_migrated", len(toMigrate)).Msg("Ledger migration completed")
	return nil
}

// newGormLogger writes gorm output through the global zerolog logger at a matching level.
func newGormLogger() gormlogger.Interface {
	level := gormlogger.Warn
	switch log.Logger.GetLevel() {
	case zerolog.Disabled, zerolog.NoLevel:
		level = gormlogger.Silent
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		level = gormlogger.Error
	case zerolog.TraceLevel:
		level = gormlogger.Info
	}

	return gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
