package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Room struct {
		// IdentityPolicy 身份分配策略："server" 或 "client"
		IdentityPolicy string `yaml:"identity_policy"`

		// HeartbeatInterval 心跳探測週期
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

		// SendBuffer 每連接出站緩衝大小
		SendBuffer int `yaml:"send_buffer"`
	} `yaml:"room"`

	Storage struct {
		// Backend 持久層後端："memory"、"redis" 或 "postgres"
		Backend string `yaml:"backend"`
	} `yaml:"storage"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回帶預設值的配置
func DefaultConfig() *Config {
	var c Config
	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Room.IdentityPolicy = string(PolicyServerAssigned)
	c.Room.HeartbeatInterval = 30 * time.Second
	c.Room.SendBuffer = 256
	c.Storage.Backend = "memory"
	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// LoadConfig 載入配置檔案
//
// 檔案不存在不是錯誤：使用預設值啟動（開發環境常見）。
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	// #nosec G304 - path 來自命令列旗標，非不可信輸入
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate 檢查配置的一致性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch IdentityPolicy(c.Room.IdentityPolicy) {
	case PolicyServerAssigned, PolicyClientClaimed:
	default:
		return fmt.Errorf("invalid identity policy: %q", c.Room.IdentityPolicy)
	}

	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	if c.Room.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive: %v", c.Room.HeartbeatInterval)
	}
	if c.Room.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive: %d", c.Room.SendBuffer)
	}

	return nil
}

// RoomOptions 房間協調器的配置投影
func (c *Config) RoomOptions() RoomOptions {
	return RoomOptions{
		IdentityPolicy:    IdentityPolicy(c.Room.IdentityPolicy),
		HeartbeatInterval: c.Room.HeartbeatInterval,
		SendBuffer:        c.Room.SendBuffer,
	}
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// PostgresURL 生成 URL 形式的連線字串（遷移工具使用）
func (c *Config) PostgresURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
