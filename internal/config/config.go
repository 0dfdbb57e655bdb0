package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Port      string
	DBPath    string
	JWTSecret string // 为空时管理接口不鉴权

	AppName    string
	AppVersion string
	Debug      bool
	LogLevel   string
	LogFormat  string

	// 远程医院目录服务
	HospitalAPIBaseURL string
	HTTPTimeout        time.Duration
	HTTPConnectTimeout time.Duration
	HTTPMaxKeepAlive   int
	HTTPMaxConnections int
	HTTPRetryAttempts  uint
	HTTPRetryDelay     time.Duration
	HTTPRetryMaxDelay  time.Duration // 0 表示不设上限

	// 批量处理
	MaxCSVSize            int
	MaxConcurrentRequests int
	ProgressCleanupAge    time.Duration
	CleanupInterval       time.Duration
	RateLimitPerMinute    int

	// 断点存储
	CheckpointBackend string // sqlite | file | redis
	CheckpointDir     string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
}

var defaults = map[string]interface{}{
	"port":       ":8080",
	"db_path":    "./data/bulk/bulk.db",
	"jwt_secret": "",

	"app_name":    "Hospital Bulk Processing System",
	"app_version": "1.0.0",
	"debug_mode":  false,
	"log_level":   "info",
	"log_format":  "text",

	"hospital_api_base_url":        "https://hospital-directory.onrender.com",
	"http_timeout_seconds":         30,
	"http_connect_timeout_seconds": 10,
	"http_max_keepalive":           20,
	"http_max_connections":         100,
	"http_retry_attempts":          1,
	"http_retry_delay_ms":          200,
	"http_retry_max_delay_ms":      5000,

	"max_csv_size":             20,
	"max_concurrent_requests":  10,
	"progress_cleanup_hours":   24,
	"cleanup_interval_minutes": 60,
	"rate_limit_per_minute":    60,

	"checkpoint_backend": "sqlite",
	"checkpoint_dir":     "./data/bulk/checkpoints",
	"redis_addr":         "localhost:6379",
	"redis_password":     "",
	"redis_db":           0,
}

// Load 加载配置: 默认值 < 配置文件 < 环境变量
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Port:      v.GetString("port"),
		DBPath:    v.GetString("db_path"),
		JWTSecret: v.GetString("jwt_secret"),

		AppName:    v.GetString("app_name"),
		AppVersion: v.GetString("app_version"),
		Debug:      v.GetBool("debug_mode"),
		LogLevel:   v.GetString("log_level"),
		LogFormat:  v.GetString("log_format"),

		HospitalAPIBaseURL: v.GetString("hospital_api_base_url"),
		HTTPTimeout:        time.Duration(v.GetFloat64("http_timeout_seconds") * float64(time.Second)),
		HTTPConnectTimeout: time.Duration(v.GetFloat64("http_connect_timeout_seconds") * float64(time.Second)),
		HTTPMaxKeepAlive:   v.GetInt("http_max_keepalive"),
		HTTPMaxConnections: v.GetInt("http_max_connections"),
		HTTPRetryAttempts:  v.GetUint("http_retry_attempts"),
		HTTPRetryDelay:     time.Duration(v.GetInt("http_retry_delay_ms")) * time.Millisecond,
		HTTPRetryMaxDelay:  time.Duration(v.GetInt("http_retry_max_delay_ms")) * time.Millisecond,

		MaxCSVSize:            v.GetInt("max_csv_size"),
		MaxConcurrentRequests: v.GetInt("max_concurrent_requests"),
		ProgressCleanupAge:    time.Duration(v.GetFloat64("progress_cleanup_hours") * float64(time.Hour)),
		CleanupInterval:       time.Duration(v.GetFloat64("cleanup_interval_minutes") * float64(time.Minute)),
		RateLimitPerMinute:    v.GetInt("rate_limit_per_minute"),

		CheckpointBackend: strings.ToLower(v.GetString("checkpoint_backend")),
		CheckpointDir:     v.GetString("checkpoint_dir"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
	}
	if !strings.HasPrefix(cfg.Port, ":") && !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.CheckpointBackend {
	case "sqlite", "file", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q (want sqlite, file or redis)", c.CheckpointBackend)
	}
	if c.MaxCSVSize < 1 {
		return fmt.Errorf("max_csv_size must be positive, got %d", c.MaxCSVSize)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be positive, got %d", c.MaxConcurrentRequests)
	}
	if c.HospitalAPIBaseURL == "" {
		return fmt.Errorf("hospital_api_base_url is required")
	}
	if c.HTTPRetryMaxDelay < 0 || (c.HTTPRetryMaxDelay > 0 && c.HTTPRetryMaxDelay < c.HTTPRetryDelay) {
		return fmt.Errorf("http_retry_max_delay_ms must be 0 or at least http_retry_delay_ms")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval_minutes must be positive")
	}
	return nil
}
