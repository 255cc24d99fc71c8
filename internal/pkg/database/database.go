package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var ErrUnsupportedDriver = errors.New("unsupported database driver")

type Config struct {
	Driver      string
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	AutoMigrate bool
	MaxRetries  int
	RetryDelay  time.Duration
}

// LoadConfig reads DB_* variables. The port defaults to the driver's standard port.
func LoadConfig() Config {
	driver := strings.ToLower(env.GetEnv("DB_DRIVER", DriverMySQL))
	defaultPort := "3306"
	if driver == DriverPostgres {
		defaultPort = "5432"
	}
	return Config{
		Driver:      driver,
		Host:        env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:        env.GetEnv("DB_PORT", defaultPort),
		User:        env.GetEnv("DB_USER", "billingfox"),
		Password:    env.GetEnv("DB_PASSWORD", ""),
		Name:        env.GetEnv("DB_NAME", "billingfox_db"),
		AutoMigrate: env.GetEnvBool("DB_AUTO_MIGRATE", false),
		MaxRetries:  maxRetries,
		RetryDelay:  retryDelay,
	}
}

// DSN returns the driver specific connection string.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name), nil
	case DriverPostgres:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}
}

// MigrationURL returns the golang-migrate database URL for the configured driver.
func (c Config) MigrationURL() (string, error) {
	userInfo := url.UserPassword(c.User, c.Password).String()
	switch c.Driver {
	case DriverMySQL:
		return fmt.Sprintf("mysql://%s@tcp(%s:%s)/%s?multiStatements=true", userInfo, c.Host, c.Port, c.Name), nil
	case DriverPostgres:
		return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", userInfo, c.Host, c.Port, c.Name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}
}

// Dialector builds the gorm dialector for the configured driver.
func (c Config) Dialector() (gorm.Dialector, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	if c.Driver == DriverPostgres {
		return postgres.Open(dsn), nil
	}
	return mysql.New(mysql.Config{
		DSN:                       dsn,
		DefaultStringSize:         256,
		DisableDatetimePrecision:  true,
		DontSupportRenameIndex:    true,
		DontSupportRenameColumn:   true,
		SkipInitializeWithVersion: false,
	}), nil
}

// Open connects with retries and runs AutoMigrate when enabled.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}
	return open(dialector, cfg)
}

func open(dialector gorm.Dialector, cfg Config) (*gorm.DB, error) {
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}

	var db *gorm.DB
	var err error
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			break
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, retries, err)
		if i < retries-1 {
			time.Sleep(cfg.RetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	log.Infof("[Database] Connected to %s database %s", cfg.Driver, cfg.Name)
	return db, nil
}

// Migrate creates or updates the billing tables from the gorm models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Profile{},
		&models.Subscription{},
		&models.PaymentTransaction{},
		&models.BillingWebhookEvent{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Ping checks the underlying connection.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
