package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Timezone   string `mapstructure:"TIMEZONE"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
		LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
	} `mapstructure:"REDIS"`
	Scheduler struct {
		Enabled     bool          `mapstructure:"ENABLED"`
		Spec        string        `mapstructure:"SPEC"`
		TaskTimeout time.Duration `mapstructure:"TASK_TIMEOUT"`
		PageSize    int           `mapstructure:"PAGE_SIZE"`
		Concurrency int           `mapstructure:"CONCURRENCY"`
	} `mapstructure:"SCHEDULER"`
	Ledger struct {
		MaxRetries int `mapstructure:"MAX_RETRIES"`
	} `mapstructure:"LEDGER"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Otel struct {
		Endpoint string `mapstructure:"ENDPOINT"`
		Protocol string `mapstructure:"PROTOCOL"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

var defaults = map[string]any{
	"APP_ENV":                                     "development",
	"APP_NAME":                                    "careledger",
	"APP_VERSION":                                 "dev",
	"TIMEZONE":                                    "Local",
	"TLS.ENABLE":                                  false,
	"TLS.CERT_PATH":                               "",
	"TLS.KEY_PATH":                                "",
	"HTTP_SERVER.ADDR":                            "8080",
	"HTTP_SERVER.READ_TIMEOUT":                    "15s",
	"HTTP_SERVER.WRITE_TIMEOUT":                   "15s",
	"HTTP_SERVER.IDLE_TIMEOUT":                    "60s",
	"DATABASE.TYPE":                               "sqlite",
	"DATABASE.HOST":                               "localhost",
	"DATABASE.PORT":                               "5432",
	"DATABASE.DBNAME":                             "careledger",
	"DATABASE.USER":                               "",
	"DATABASE.PASSWORD":                           "",
	"DATABASE.SSLMODE":                            "disable",
	"DATABASE.TIMEZONE":                           "UTC",
	"DATABASE.PATH":                               "data/careledger.db",
	"DATABASE.METRICS":                            true,
	"DATABASE.CONNECTION_POOL.MAX_IDLE_CONN":      5,
	"DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS":     20,
	"DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME":  "30m",
	"DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME": "5m",
	"REDIS.ADDR":                                  "",
	"REDIS.PASSWORD":                              "",
	"REDIS.DB":                                    0,
	"REDIS.POOL_SIZE":                             10,
	"REDIS.POOL_TIMEOUT":                          "5s",
	"REDIS.LOCK_TTL":                              "30s",
	"SCHEDULER.ENABLED":                           true,
	"SCHEDULER.SPEC":                              "10 0 * * *",
	"SCHEDULER.TASK_TIMEOUT":                      "30s",
	"SCHEDULER.PAGE_SIZE":                         200,
	"SCHEDULER.CONCURRENCY":                       1,
	"LEDGER.MAX_RETRIES":                          3,
	"SNOWFLAKE.NODE_ID":                           1,
	"OTEL.ENDPOINT":                               "",
	"OTEL.PROTOCOL":                               "grpc",
	"OTEL.INSECURE":                               true,
	"PYROSCOPE.ADDR":                              "",
}

// LoadConfig reads config.yaml from the working directory when present and
// lets environment variables override every key (HTTP_SERVER.ADDR -> HTTP_SERVER_ADDR).
func LoadConfig() (*Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.TLS.Enable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return nil, fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}

	switch cfg.Otel.Protocol {
	case "grpc", "http":
	default:
		return nil, fmt.Errorf("unsupported OTEL.PROTOCOL %q, expected grpc or http", cfg.Otel.Protocol)
	}

	return &cfg, nil
}

// Location resolves TIMEZONE, falling back to the process local zone.
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SchedulerEnabled is false in test and CI runs regardless of SCHEDULER.ENABLED.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || !c.Scheduler.Enabled {
		return false
	}
	if strings.EqualFold(c.AppEnv, "test") {
		return false
	}
	if ci := os.Getenv("CI"); ci != "" && !strings.EqualFold(ci, "false") && ci != "0" {
		return false
	}
	return true
}
