// Package config loads the gojodata YAML configuration: the database pool,
// the logger, telemetry, and the catalog of call sites that take part in
// shared transactions.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sushant-115/gojodata/core/executor"
	"github.com/sushant-115/gojodata/core/transaction"
	"github.com/sushant-115/gojodata/pkg/connection"
	"github.com/sushant-115/gojodata/pkg/logger"
	"github.com/sushant-115/gojodata/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// EnvDSN overrides database.dsn when set.
const EnvDSN = "GOJODATA_DSN"

type Config struct {
	Database     DatabaseConfig      `yaml:"database"`
	Logger       logger.Config       `yaml:"logger"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
	Transactions []TransactionConfig `yaml:"transactions"`
}

// DatabaseConfig is the pool configuration plus how stored-procedure calls
// mark their parameters.
type DatabaseConfig struct {
	connection.Config `yaml:",inline"`
	// Placeholder is "question" or "dollar". Empty picks the driver's style.
	Placeholder string `yaml:"placeholder"`
}

// TransactionConfig declares the descriptor of one call site.
type TransactionConfig struct {
	CallSite    string `yaml:"call_site"`
	Key         string `yaml:"key"`
	Steps       int    `yaml:"steps"`
	Isolation   string `yaml:"isolation"`
	Description string `yaml:"description"`
	OptOut      bool   `yaml:"opt_out"`
}

// Defaults returns a configuration for a local SQLite database.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Config: connection.Config{
				Driver:          connection.DriverSQLite,
				DSN:             "file:gojodata.db?_busy_timeout=5000",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojodata",
			PrometheusPort:   9464,
			TraceSampleRatio: 1,
		},
	}
}

// Load reads the file at path over the defaults, applies the environment
// override and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
}

func (c *Config) Validate() error {
	var errs []error

	driver, err := connection.NormalizeDriver(c.Database.Driver)
	if err != nil {
		errs = append(errs, fmt.Errorf("database.driver: %w", err))
	} else {
		c.Database.Driver = driver
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, errors.New("database.max_open_conns must not be negative"))
	}
	if _, err := c.Database.PlaceholderStyle(); err != nil {
		errs = append(errs, fmt.Errorf("database.placeholder: %w", err))
	}

	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logger: %w", err))
	}

	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port: %d out of range", c.Telemetry.PrometheusPort))
	}

	if _, err := c.Catalog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PlaceholderStyle returns the configured style, or the driver's when unset.
func (d DatabaseConfig) PlaceholderStyle() (executor.PlaceholderStyle, error) {
	if d.Placeholder == "" {
		return executor.PlaceholderFor(d.Driver), nil
	}
	return executor.ParsePlaceholderStyle(d.Placeholder)
}

// Descriptor converts the entry into a transaction descriptor.
func (t TransactionConfig) Descriptor() (transaction.Descriptor, error) {
	level, err := transaction.ParseIsolationLevel(t.Isolation)
	if err != nil {
		return transaction.Descriptor{}, err
	}
	opts := []transaction.DescriptorOption{
		transaction.WithIsolation(level),
		transaction.WithDescription(t.Description),
	}
	if t.OptOut {
		opts = append(opts, transaction.OptOut())
	}
	return transaction.NewDescriptor(t.Key, t.Steps, opts...), nil
}

// Catalog builds the call-site catalog from the transactions list.
func (c *Config) Catalog() (*transaction.Catalog, error) {
	catalog := transaction.NewCatalog()
	for i, entry := range c.Transactions {
		d, err := entry.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("transactions[%d]: %w", i, err)
		}
		if err := catalog.Register(entry.CallSite, d); err != nil {
			return nil, fmt.Errorf("transactions[%d]: %w", i, err)
		}
	}
	return catalog, nil
}
