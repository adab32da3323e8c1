package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 共享存储配置
	Store struct {
		// Backend 可选 "etcd"、"mongo" 或 "memory"
		Backend string `mapstructure:"backend"`

		Etcd struct {
			Endpoints   []string      `mapstructure:"endpoints"`
			Username    string        `mapstructure:"username"`
			Password    string        `mapstructure:"password"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
			Prefix      string        `mapstructure:"prefix"`
		} `mapstructure:"etcd"`

		Mongo struct {
			URL         string        `mapstructure:"url"`
			Database    string        `mapstructure:"database"`
			DialTimeout time.Duration `mapstructure:"dial_timeout"`
		} `mapstructure:"mongo"`
	} `mapstructure:"store"`

	// 服务监管配置
	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	// 本机身份配置
	Host struct {
		// Hostname 为空时使用 os.Hostname()
		Hostname string `mapstructure:"hostname"`
		// Address 通过DNS对外公布的地址
		Address string `mapstructure:"address"`
	} `mapstructure:"host"`

	// 管理API配置
	API struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string `mapstructure:"domain"`
		TTL           uint32 `mapstructure:"ttl"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// SupervisorConfig 心跳、轮询与失败冷却相关的时间参数
type SupervisorConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	DyingTimeout         time.Duration `mapstructure:"dying_timeout"`
	FailureCooldown      time.Duration `mapstructure:"failure_cooldown"`
	MaxHeartbeatFailures int           `mapstructure:"max_heartbeat_failures"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultSupervisorConfig 返回默认的监管参数
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HeartbeatInterval:    time.Second,
		PollInterval:         time.Second,
		DyingTimeout:         5 * time.Second,
		FailureCooldown:      60 * time.Second,
		MaxHeartbeatFailures: 3,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Validate 检查监管参数是否合理
func (s SupervisorConfig) Validate() error {
	if s.HeartbeatInterval <= 0 || s.PollInterval <= 0 {
		return fmt.Errorf("心跳间隔和轮询间隔必须大于0")
	}
	if s.DyingTimeout <= s.HeartbeatInterval {
		return fmt.Errorf("dying_timeout(%s) 必须大于 heartbeat_interval(%s)", s.DyingTimeout, s.HeartbeatInterval)
	}
	if s.MaxHeartbeatFailures < 1 {
		return fmt.Errorf("max_heartbeat_failures 必须至少为1")
	}
	return nil
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.svcfleet")
		v.AddConfigPath("/etc/svcfleet")
	}

	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("SVCFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Supervisor.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "etcd")
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.username", "")
	v.SetDefault("store.etcd.password", "")
	v.SetDefault("store.etcd.dial_timeout", "5s")
	v.SetDefault("store.etcd.prefix", "/svcfleet")
	v.SetDefault("store.mongo.url", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "svcfleet")
	v.SetDefault("store.mongo.dial_timeout", "10s")

	d := DefaultSupervisorConfig()
	v.SetDefault("supervisor.heartbeat_interval", d.HeartbeatInterval.String())
	v.SetDefault("supervisor.poll_interval", d.PollInterval.String())
	v.SetDefault("supervisor.dying_timeout", d.DyingTimeout.String())
	v.SetDefault("supervisor.failure_cooldown", d.FailureCooldown.String())
	v.SetDefault("supervisor.max_heartbeat_failures", d.MaxHeartbeatFailures)
	v.SetDefault("supervisor.shutdown_timeout", d.ShutdownTimeout.String())

	v.SetDefault("host.hostname", "")
	v.SetDefault("host.address", "127.0.0.1")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "udp")
	v.SetDefault("dns.domain", "svc.fleet")
	v.SetDefault("dns.ttl", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("store.backend", "SVCFLEET_STORE_BACKEND")
	v.BindEnv("store.etcd.endpoints", "SVCFLEET_ETCD_ENDPOINTS")
	v.BindEnv("store.mongo.url", "SVCFLEET_MONGO_URL")
	v.BindEnv("host.hostname", "SVCFLEET_HOSTNAME")
	v.BindEnv("api.port", "SVCFLEET_API_PORT")
	v.BindEnv("dns.port", "SVCFLEET_DNS_PORT")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.svcfleet/config.yaml",
		"/etc/svcfleet/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// ResolveHostname 返回配置的主机名，未配置时取系统主机名
func (c *Config) ResolveHostname() (string, error) {
	if c.Host.Hostname != "" {
		return c.Host.Hostname, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("获取主机名失败: %w", err)
	}
	return name, nil
}
