package data

import (
	"fmt"
	"time"

	"ProxyLane/internal/conf"

	"github.com/glebarez/sqlite"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens the account database and migrates its tables.
// Supported drivers are mysql, postgres and sqlite.
func NewDB(c *conf.Data, l log.Logger) (*gorm.DB, func(), error) {
	helper := log.NewHelper(l)

	if c == nil || c.Database == nil {
		helper.Error("database configuration is missing")
		return nil, nil, fmt.Errorf("database configuration is required")
	}

	dialector, err := dialectorFor(c.Database)
	if err != nil {
		return nil, nil, err
	}

	gormLogger := logger.New(
		&gormLogAdapter{helper: helper},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		TranslateError:         true,
	})
	if err != nil {
		helper.Errorf("failed to connect to %s: %v", c.Database.Driver, err)
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", c.Database.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if c.Database.Driver == "sqlite" || c.Database.Driver == "" {
		// a single writer avoids "database is locked" under concurrent saves
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		helper.Errorf("failed to ping %s: %v", c.Database.Driver, err)
		return nil, nil, fmt.Errorf("failed to ping %s: %w", c.Database.Driver, err)
	}

	if err := db.AutoMigrate(&ProxyAccount{}, &AuditLog{}); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	helper.Infof("%s connection established successfully", c.Database.Driver)

	cleanup := func() {
		helper.Info("closing database connection")
		if err := sqlDB.Close(); err != nil {
			helper.Errorf("failed to close database: %v", err)
		}
	}

	return db, cleanup, nil
}

func dialectorFor(c *conf.Data_Database) (gorm.Dialector, error) {
	if c.Source == "" {
		return nil, fmt.Errorf("database source is required")
	}
	switch c.Driver {
	case "mysql":
		return mysql.Open(c.Source), nil
	case "postgres":
		return postgres.Open(c.Source), nil
	case "sqlite", "":
		return sqlite.Open(c.Source), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: mysql, postgres, sqlite)", c.Driver)
	}
}

// gormLogAdapter adapts Kratos log.Helper to GORM logger interface.
type gormLogAdapter struct {
	helper *log.Helper
}

// Printf implements gorm/logger.Writer interface.
func (g *gormLogAdapter) Printf(format string, v ...interface{}) {
	g.helper.Warnf(format, v...)
}
