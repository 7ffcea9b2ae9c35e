package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/your-org/fpmatch/internal/matcher"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Matching MatchingConfig `yaml:"matching"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

type StorageDriver string

const (
	DriverPostgres StorageDriver = "postgres"
	DriverMongo    StorageDriver = "mongo"
	DriverSQLite   StorageDriver = "sqlite"
	DriverMemory   StorageDriver = "memory"
)

type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type MongoDBConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the cross-replica registration lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// MinIOConfig enables the template archive when Endpoint is set.
type MinIOConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	ArchiveProbes bool   `yaml:"archive_probes"`
}

type MatchingConfig struct {
	Threshold          float64 `yaml:"threshold"`
	HighConfidence     float64 `yaml:"high_confidence"`
	LengthPolicy       string  `yaml:"length_policy"`
	RegistrationPolicy string  `yaml:"registration_policy"`
	RecordAttendance   *bool   `yaml:"record_attendance"`
	TemplateSize       int     `yaml:"template_size"`
}

type LoggingConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"`
	File   string        `yaml:"file"`
	MaxAge time.Duration `yaml:"max_age"`
}

// Load reads config from a YAML file and applies environment variable
// overrides. A missing file is not an error; defaults and the environment
// still apply. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied, as if loaded from an
// empty file.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Validate checks values that would otherwise fail later at construction.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverMongo, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("storage.driver: unsupported value %q", c.Storage.Driver)
	}
	if c.Matching.Threshold <= 0 || c.Matching.Threshold > 100 {
		return fmt.Errorf("matching.threshold: %.2f out of range (0, 100]", c.Matching.Threshold)
	}
	if _, err := matcher.ParseLengthPolicy(c.Matching.LengthPolicy); err != nil {
		return fmt.Errorf("matching.length_policy: %w", err)
	}
	if _, err := matcher.ParseRegistrationPolicy(c.Matching.RegistrationPolicy); err != nil {
		return fmt.Errorf("matching.registration_policy: %w", err)
	}
	return nil
}

// MatcherOptions converts the matching section into engine options.
func (c *Config) MatcherOptions() matcher.Options {
	lp, _ := matcher.ParseLengthPolicy(c.Matching.LengthPolicy)
	rp, _ := matcher.ParseRegistrationPolicy(c.Matching.RegistrationPolicy)
	return matcher.Options{
		Threshold:          c.Matching.Threshold,
		HighConfidence:     c.Matching.HighConfidence,
		LengthPolicy:       lp,
		RegistrationPolicy: rp,
		RecordAttendance:   c.Matching.RecordAttendance != nil && *c.Matching.RecordAttendance,
		TemplateSize:       c.Matching.TemplateSize,
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverPostgres
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MongoDB.Database == "" {
		cfg.MongoDB.Database = "fingerprints"
	}
	if cfg.MongoDB.Timeout == 0 {
		cfg.MongoDB.Timeout = 10 * time.Second
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "fingerprints.db"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 5 * time.Second
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "fingerprints"
	}
	if cfg.Matching.Threshold == 0 {
		cfg.Matching.Threshold = matcher.DefaultThreshold
	}
	if cfg.Matching.HighConfidence == 0 {
		cfg.Matching.HighConfidence = matcher.DefaultHighConfidence
	}
	if cfg.Matching.LengthPolicy == "" {
		cfg.Matching.LengthPolicy = string(matcher.LengthStrict)
	}
	if cfg.Matching.RegistrationPolicy == "" {
		cfg.Matching.RegistrationPolicy = string(matcher.PolicyAutoincrementDedupe)
	}
	if cfg.Matching.RecordAttendance == nil {
		on := true
		cfg.Matching.RecordAttendance = &on
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FP_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FP_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("FP_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = StorageDriver(v)
	}
	if v := os.Getenv("FP_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FP_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FP_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FP_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FP_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoDB.URI = v
	}
	if v := os.Getenv("FP_MONGO_URI"); v != "" {
		cfg.MongoDB.URI = v
	}
	if v := os.Getenv("FP_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("FP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FP_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FP_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FP_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FP_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FP_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FP_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.Threshold = f
		}
	}
	if v := os.Getenv("FP_LENGTH_POLICY"); v != "" {
		cfg.Matching.LengthPolicy = v
	}
	if v := os.Getenv("FP_REGISTRATION_POLICY"); v != "" {
		cfg.Matching.RegistrationPolicy = v
	}
	if v := os.Getenv("FP_RECORD_ATTENDANCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Matching.RecordAttendance = &b
		}
	}
	if v := os.Getenv("FP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
