package connection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sushant-115/gojodata/pkg/logger"
	"go.uber.org/zap"
)

// Supported driver names. SQLite needs the caller to link
// github.com/mattn/go-sqlite3, which registers "sqlite3".
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config describes how to reach the database and how to size the
// database/sql pool behind it.
type Config struct {
	// Driver is one of "mysql", "postgres" or "sqlite3".
	Driver string `yaml:"driver"`
	// DSN is passed to the driver. Postgres also accepts postgres:// URLs.
	DSN string `yaml:"dsn"`
	// MaxOpenConns bounds the pool; every open shared transaction pins one.
	MaxOpenConns int `yaml:"max_open_conns"`
	// MaxIdleConns bounds idle connections kept for reuse.
	MaxIdleConns int `yaml:"max_idle_conns"`
	// ConnMaxLifetime recycles physical connections older than this.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// TLS configures client certificates for MySQL. Postgres takes its
	// sslmode/sslrootcert settings from the DSN.
	TLS TLSConfig `yaml:"tls"`
}

// NormalizeDriver maps driver aliases onto the supported driver names.
func NormalizeDriver(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "mariadb", "tidb":
		return DriverMySQL, nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	case "sqlite3", "sqlite":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", name)
	}
}

// Source hands out Connections over one *sql.DB.
type Source struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewSource wraps an already opened pool.
func NewSource(db *sql.DB, driver string, l *zap.Logger) *Source {
	return &Source{db: db, driver: driver, logger: logger.Or(l)}
}

// Open creates the pool described by cfg. It does not dial; use Ping to
// check connectivity.
func Open(cfg Config, l *zap.Logger) (*Source, error) {
	driver, err := NormalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("empty dsn for driver %s", driver)
	}

	var db *sql.DB
	switch driver {
	case DriverMySQL:
		db, err = openMySQL(cfg)
	case DriverPostgres:
		db, err = openPostgres(cfg)
	default:
		if cfg.TLS.Enabled {
			return nil, fmt.Errorf("tls settings are not supported for driver %s", driver)
		}
		db, err = sql.Open(driver, cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := NewSource(db, driver, l)
	s.logger.Info("database pool opened",
		zap.String("driver", driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))
	return s, nil
}

// tlsConfigName is the key under which the MySQL driver looks up our TLS config.
const tlsConfigName = "gojodata"

func openMySQL(cfg Config) (*sql.DB, error) {
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	// DATETIME columns come back as time.Time rather than []byte.
	mcfg.ParseTime = true

	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.Build()
		if err != nil {
			return nil, err
		}
		if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
			return nil, err
		}
		mcfg.TLSConfig = tlsConfigName
	}

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.TLS.Enabled {
		return nil, fmt.Errorf("configure postgres tls through sslmode/sslrootcert in the dsn")
	}
	dsn := cfg.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		converted, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		dsn = converted
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// NewConnection returns a closed Connection. The caller owns it and must
// close it once opened.
func (s *Source) NewConnection() *Connection {
	return New(s.db)
}

// Driver returns the normalized driver name, or "" for pools built by the caller
// without one.
func (s *Source) Driver() string { return s.driver }

func (s *Source) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}
	return nil
}

// Close closes the pool. Connections still pinned by open shared
// transactions are closed when those transactions finish.
func (s *Source) Close() error {
	stats := s.db.Stats()
	if stats.InUse > 0 {
		s.logger.Warn("closing database pool with connections in use", zap.Int("in_use", stats.InUse))
	}
	return s.db.Close()
}
