package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Web       WebConfig       `mapstructure:"web"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	NodeID   int64  `mapstructure:"node_id"`
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	WorkerCount int `mapstructure:"worker_count"`
	QueueSize   int `mapstructure:"queue_size"`

	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period"`
}

type WebConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`
	AccessExpire  time.Duration `mapstructure:"access_expire"`
	RefreshExpire time.Duration `mapstructure:"refresh_expire"`
}

type SchedulerConfig struct {
	// Strategy 扫描策略：claim（默认，多实例安全）或 batch（仅限单实例部署）
	Strategy     string        `mapstructure:"strategy"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`

	// 随机配对任务
	ShuffleEnabled  bool          `mapstructure:"shuffle_enabled"`
	ShuffleInterval time.Duration `mapstructure:"shuffle_interval"`
}

// Load 从指定路径加载配置
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults 填充缺省值
func applyDefaults(cfg *Config) {
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 64
	}
	if cfg.Server.QueueSize <= 0 {
		cfg.Server.QueueSize = 4096
	}
	if cfg.Scheduler.Strategy == "" {
		cfg.Scheduler.Strategy = "claim"
	}
	if cfg.Scheduler.ScanInterval <= 0 {
		cfg.Scheduler.ScanInterval = time.Minute
	}
	if cfg.Scheduler.ShuffleInterval <= 0 {
		cfg.Scheduler.ShuffleInterval = 24 * time.Hour
	}
}
