package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置，来自 config.yaml 与环境变量
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Razorpay  RazorpayConfig  `mapstructure:"razorpay"`
	Donation  DonationConfig  `mapstructure:"donation"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port                int    `mapstructure:"port"`
	Mode                string `mapstructure:"mode"` // gin mode: debug | release | test
	PublicURL           string `mapstructure:"public_url"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`

	// X-Forwarded-For is only honoured from these addresses
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // mysql | memory
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN 生成 MySQL 连接串
func (m MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.User, m.Password, m.Host, m.Port, m.DBName)
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"` // redis:// URL or host:port, empty disables redis
}

type RazorpayConfig struct {
	KeyID          string `mapstructure:"key_id"`
	KeySecret      string `mapstructure:"key_secret"`
	APIURL         string `mapstructure:"api_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (r RazorpayConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type DonationConfig struct {
	Currency         string `mapstructure:"currency"`
	MinAmount        int64  `mapstructure:"min_amount"`
	MaxAmount        int64  `mapstructure:"max_amount"`
	MaxMessageLength int    `mapstructure:"max_message_length"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	DonationMax   int `mapstructure:"donation_max"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

type LogConfig struct {
	Env string `mapstructure:"env"` // development | production
}

func (c *Config) IsProduction() bool {
	return c.Log.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.trusted_proxies", []string{"127.0.0.1"})

	v.SetDefault("storage.driver", "mysql")

	v.SetDefault("mysql.host", "")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.dbname", "")
	v.SetDefault("mysql.max_open_conns", 120)
	v.SetDefault("mysql.max_idle_conns", 15)

	v.SetDefault("redis.addr", "")

	v.SetDefault("razorpay.key_id", "")
	v.SetDefault("razorpay.key_secret", "")
	v.SetDefault("razorpay.api_url", "https://api.razorpay.com")
	v.SetDefault("razorpay.timeout_seconds", 15)

	v.SetDefault("donation.currency", "INR")
	v.SetDefault("donation.min_amount", 1)
	v.SetDefault("donation.max_amount", 10000000)
	v.SetDefault("donation.max_message_length", 500)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("ratelimit.donation_max", 10)
	v.SetDefault("ratelimit.window_minutes", 15)

	v.SetDefault("log.env", "development")
}

// Load 读取配置。path 为空时优先从当前工作目录查找 config.yaml，再回退到可执行文件所在目录；
// 都找不到时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Donation.Currency = strings.ToUpper(cfg.Donation.Currency)
	return &cfg, nil
}

func findConfigFile() string {
	candidates := []string{"config.yaml"}
	if execDir, err := filepath.Abs(filepath.Dir(os.Args[0])); err == nil {
		candidates = append(candidates, filepath.Join(execDir, "config.yaml"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Validate 检查必填项，返回生产环境下的告警
func (c *Config) Validate() ([]string, error) {
	var missing []string
	if c.Razorpay.KeyID == "" {
		missing = append(missing, "razorpay.key_id")
	}
	if c.Razorpay.KeySecret == "" {
		missing = append(missing, "razorpay.key_secret")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "auth.jwt_secret")
	}

	switch c.Storage.Driver {
	case "mysql":
		if c.MySQL.Host == "" {
			missing = append(missing, "mysql.host")
		}
		if c.MySQL.DBName == "" {
			missing = append(missing, "mysql.dbname")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if len(missing) > 0 {
		return nil, errors.New("missing required config: " + strings.Join(missing, ", "))
	}
	if c.Donation.MaxAmount > 0 && c.Donation.MaxAmount < c.Donation.MinAmount {
		return nil, fmt.Errorf("donation.max_amount %d is below donation.min_amount %d", c.Donation.MaxAmount, c.Donation.MinAmount)
	}

	var warnings []string
	if c.IsProduction() {
		if len(c.Auth.JWTSecret) < 32 || strings.Contains(strings.ToLower(c.Auth.JWTSecret), "dev") {
			warnings = append(warnings, "auth.jwt_secret looks like a development secret")
		}
		if strings.Contains(c.Razorpay.KeyID, "test") {
			warnings = append(warnings, "razorpay.key_id is a test key")
		}
	}
	return warnings, nil
}
