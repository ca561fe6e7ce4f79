package config

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	QUIC    QUICConfig    `yaml:"quic"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`                // WebTransport 监听地址 (UDP/QUIC)
	WSAddr            string        `yaml:"ws_addr"`             // WebSocket 监听地址 (TCP)
	HealthAddr        string        `yaml:"health_addr"`         // 健康检查 HTTP 地址
	NodeID            int64         `yaml:"node_id"`             // 雪花ID节点号
	MaxConnections    int           `yaml:"max_connections"`     // 预留
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // 空闲连接超时
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"` // 空闲检测周期
}

type QUICConfig struct {
	MaxIdleTimeout        time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod       time.Duration `yaml:"keep_alive_period"`
	MaxIncomingStreams    int64         `yaml:"max_incoming_streams"`
	MaxIncomingUniStreams int64         `yaml:"max_incoming_uni_streams"`
	CertFile              string        `yaml:"cert_file"`
	KeyFile               string        `yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default 返回默认配置（测试和配置文件缺失时使用）
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4433"
	}
	if c.Server.WSAddr == "" {
		c.Server.WSAddr = ":3000"
	}
	if c.Server.HealthAddr == "" {
		c.Server.HealthAddr = ":8080"
	}
	if c.Server.NodeID == 0 {
		c.Server.NodeID = 1
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 90 * time.Second
	}
	if c.Server.IdleCheckInterval == 0 {
		c.Server.IdleCheckInterval = 30 * time.Second
	}
	if c.QUIC.MaxIdleTimeout == 0 {
		c.QUIC.MaxIdleTimeout = 60 * time.Second
	}
	if c.QUIC.KeepAlivePeriod == 0 {
		c.QUIC.KeepAlivePeriod = 20 * time.Second
	}
	if c.QUIC.MaxIncomingStreams == 0 {
		c.QUIC.MaxIncomingStreams = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// LogLevel 解析日志级别
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
