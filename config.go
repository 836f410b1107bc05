package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config defines the structure of the configuration file.
type Config struct {
	GitCommit               string        `yaml:"git_commit" envconfig:"BRAP_GIT_COMMIT"`
	GitTag                  string        `yaml:"git_tag" envconfig:"BRAP_GIT_TAG"`
	BuildTime               string        `yaml:"build_time" envconfig:"BRAP_BUILD_TIME"`
	IsProduction            bool          `yaml:"is_production" envconfig:"BRAP_IS_PRODUCTION"`
	LogLevel                zapcore.Level `yaml:"log_level" envconfig:"BRAP_LOG_LEVEL"`
	LogFolder               string        `yaml:"log_folder" envconfig:"BRAP_LOG_FOLDER"`
	LogMaxSize              int           `yaml:"log_max_size" envconfig:"BRAP_LOG_MAX_SIZE"` // in megabytes
	OpsEndpointsEnable      bool          `yaml:"ops_endpoints_enable" envconfig:"BRAP_OPS_ENDPOINTS_ENABLE"`
	ProfilerEndpointsEnable bool          `yaml:"profiler_endpoints_enable" envconfig:"BRAP_PROFILER_ENDPOINTS_ENABLE"`
	Server                  ServerConfig  `yaml:"server"`
	Redis                   RedisConfig   `yaml:"redis"`
	BoltDB                  BoltDBConfig  `yaml:"boltdb"`
	Auth                    AuthConfig    `yaml:"auth"`
	Images                  ImagesConfig  `yaml:"images"`
	RateLimit               RateConfig    `yaml:"rate_limit"`
	Janitor                 JanitorConfig `yaml:"janitor"`
}

type ServerConfig struct {
	Host                    string        `yaml:"host" envconfig:"BRAP_SERVER_HOST"`
	Port                    string        `yaml:"port" envconfig:"BRAP_SERVER_PORT"`
	PublicBaseURL           string        `yaml:"public_base_url" envconfig:"BRAP_SERVER_PUBLIC_BASE_URL"`
	ReadTimeout             time.Duration `yaml:"read_timeout" envconfig:"BRAP_SERVER_READ_TIMEOUT"`
	WriteTimeout            time.Duration `yaml:"write_timeout" envconfig:"BRAP_SERVER_WRITE_TIMEOUT"`
	RequestTimeout          time.Duration `yaml:"request_timeout" envconfig:"BRAP_SERVER_REQUEST_TIMEOUT"` // Time to wait for a request to finish
	LongRequestWriteTimeout time.Duration `yaml:"long_request_write_timeout" envconfig:"BRAP_SERVER_LONG_REQUEST_WRITE_TIMEOUT"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout" envconfig:"BRAP_SERVER_SHUTDOWN_TIMEOUT"`
}

type RedisConfig struct {
	Host          string        `yaml:"host" envconfig:"BRAP_REDIS_HOST"`
	Port          string        `yaml:"port" envconfig:"BRAP_REDIS_PORT"`
	DialTimeout   time.Duration `yaml:"dial_timeout" envconfig:"BRAP_REDIS_DIAL_TIMEOUT"`
	ReadTimeout   time.Duration `yaml:"read_timeout" envconfig:"BRAP_REDIS_READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" envconfig:"BRAP_REDIS_WRITE_TIMEOUT"`
	PoolSize      int           `yaml:"pool_size" envconfig:"BRAP_REDIS_POOL_SIZE"`
	PoolTimeout   time.Duration `yaml:"pool_timeout" envconfig:"BRAP_REDIS_POOL_TIMEOUT"`
	Username      string        `yaml:"username" envconfig:"BRAP_REDIS_USERNAME"`
	Password      string        `yaml:"password" envconfig:"BRAP_REDIS_PASSWORD" json:"-"`
	DatabaseIndex int           `yaml:"db_index" envconfig:"BRAP_REDIS_DATABASE_INDEX"`
	TxMaxRetries  int           `yaml:"tx_max_retries" envconfig:"BRAP_REDIS_TX_MAX_RETRIES"`
}

type BoltDBConfig struct {
	FilePath   string        `yaml:"filepath" envconfig:"BRAP_BOLTDB_FILE_PATH"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"BRAP_BOLTDB_TIMEOUT"`
	BucketName string        `yaml:"bucket_name" envconfig:"BRAP_BOLTDB_BUCKET_NAME"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret" envconfig:"BRAP_AUTH_SECRET" json:"-"`
	TokenTTL time.Duration `yaml:"token_ttl" envconfig:"BRAP_AUTH_TOKEN_TTL"`
}

type ImagesConfig struct {
	Folder        string   `yaml:"folder" envconfig:"BRAP_IMAGES_FOLDER"`
	MaxSize       int64    `yaml:"max_size" envconfig:"BRAP_IMAGES_MAX_SIZE"` // in bytes
	AcceptedTypes []string `yaml:"accepted_types" envconfig:"BRAP_IMAGES_ACCEPTED_TYPES"`
	Width         int      `yaml:"width" envconfig:"BRAP_IMAGES_WIDTH"`
	Height        int      `yaml:"height" envconfig:"BRAP_IMAGES_HEIGHT"`
	Quality       int      `yaml:"quality" envconfig:"BRAP_IMAGES_QUALITY"`
}

type RateConfig struct {
	Enable   bool          `yaml:"enable" envconfig:"BRAP_RATE_LIMIT_ENABLE"`
	Requests int           `yaml:"requests" envconfig:"BRAP_RATE_LIMIT_REQUESTS"`
	Window   time.Duration `yaml:"window" envconfig:"BRAP_RATE_LIMIT_WINDOW"`

	// peers allowed to set X-Real-IP and X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"BRAP_RATE_LIMIT_TRUSTED_PROXIES"`
}

type JanitorConfig struct {
	QueueSize int `yaml:"queue_size" envconfig:"BRAP_JANITOR_QUEUE_SIZE"`
}

// LoadConfigFile provides an instance of config structure for the all application.
func LoadConfigFile(configFile string) (*Config, error) {
	file, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	cfg := &Config{}
	yd := yaml.NewDecoder(file)
	err = yd.Decode(cfg)

	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigEnvs reads the environments variables and provides an instance of the App config.
func LoadConfigEnvs(prefix string, config *Config) error {
	return envconfig.Process(prefix, config)
}

// InitConfig setup defaults values for non provided parameters
// and configures build tags values to be used if provided.
func InitConfig(config *Config, gitCommit, gitTag, buildTime string) error {
	if len(gitCommit) != 0 {
		config.GitCommit = gitCommit
	}

	if len(gitTag) != 0 {
		config.GitTag = gitTag
	}

	if len(buildTime) != 0 {
		config.BuildTime = buildTime
	}

	if len(config.Server.Host) == 0 || len(config.Server.Port) == 0 {
		return errors.New("make sure to set valid server address and port in configuration file")
	}

	if len(config.Redis.Host) == 0 || len(config.Redis.Port) == 0 {
		return errors.New("make sure to set valid redis address and port in configuration file")
	}

	if len(config.Auth.Secret) == 0 {
		return errors.New("make sure to set the credential signing secret")
	}

	SetConfigDefaults(config)
	return nil
}

// SetConfigDefaults fills zero values with the service defaults.
func SetConfigDefaults(config *Config) {
	if config.LogMaxSize <= 0 {
		config.LogMaxSize = 10
	}
	if config.LogFolder == "" {
		config.LogFolder = "./logs"
	}
	if config.Server.PublicBaseURL == "" {
		config.Server.PublicBaseURL = fmt.Sprintf("http://%s:%s", config.Server.Host, config.Server.Port)
	}
	if config.Redis.TxMaxRetries <= 0 {
		config.Redis.TxMaxRetries = 5
	}
	if config.Auth.TokenTTL <= 0 {
		config.Auth.TokenTTL = 24 * time.Hour
	}
	if config.Images.Folder == "" {
		config.Images.Folder = "./images"
	}
	if config.Images.MaxSize <= 0 {
		config.Images.MaxSize = 5 * 1024 * 1024
	}
	if len(config.Images.AcceptedTypes) == 0 {
		config.Images.AcceptedTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}
	}
	if config.Images.Width <= 0 || config.Images.Height <= 0 {
		config.Images.Width, config.Images.Height = 206, 260
	}
	if config.Images.Quality <= 0 || config.Images.Quality > 100 {
		config.Images.Quality = 80
	}
	if config.RateLimit.Requests <= 0 {
		config.RateLimit.Requests = 100
	}
	if config.RateLimit.Window <= 0 {
		config.RateLimit.Window = 15 * time.Minute
	}
	if config.Janitor.QueueSize <= 0 {
		config.Janitor.QueueSize = 64
	}
}

// LoadAndInitConfigs loads in order the configs from various predefined sources
// then build the App configuration data.
func LoadAndInitConfigs(gitCommit, gitTag, buildTime string) (*Config, error) {
	// Setup the yaml configuration from file.
	config, err := LoadConfigFile("./config.yml")
	if err != nil {
		return config, fmt.Errorf("failed to load configurations from file: %s", err)
	}

	// Set the environment configuration. The file is optional in production.
	err = godotenv.Load("./config.env")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("failed to set environment configurations: %s", err)
	}

	// Use environment variables with prefix `BRAP`.
	err = LoadConfigEnvs("BRAP", config)
	if err != nil {
		return config, fmt.Errorf("failed to load configurations from environment: %s", err)
	}

	err = InitConfig(config, gitCommit, gitTag, buildTime)
	if err != nil {
		return config, fmt.Errorf("failed to initialize configurations: %s", err)
	}
	return config, nil
}
