// 文件: pkg/config/config.go
// 环境变量配置
//
// 全部配置来自环境变量 (viper 读取)，不扫描配置文件：
// 部署环境只注入 env，本地开发用默认值即可跑起来。

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 进程级配置
type Config struct {
	// ===== 数据库 =====
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// ===== 认证 =====
	JWTSecret string
	JWTTTL    time.Duration

	// ===== 清算调度 =====
	// ClearingInterval 轮询间隔，同时也是单个拍卖两轮之间的最小间隔
	ClearingInterval time.Duration
	// AdaptiveKEpsilon 自适应 k 回写阈值 (|k'-k| >= epsilon 才落库)
	AdaptiveKEpsilon float64

	// ===== 成交回执 =====
	GeneratedDocsRoot string

	// ===== HTTP =====
	HTTPAddr string

	// ===== 事件/缓存 (留空则关闭对应组件) =====
	KafkaBrokers []string
	NATSURL      string
	RedisAddr    string
}

// Load 从环境变量读取配置
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DB_HOST", "127.0.0.1")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "dbauc")
	v.SetDefault("JWT_SECRET", "local_dev_secret")
	v.SetDefault("JWT_TTL_MIN", 720)
	v.SetDefault("CLEARING_INTERVAL_SECONDS", 300)
	v.SetDefault("ADAPTIVE_K_EPSILON", 0.01)
	v.SetDefault("GENERATED_DOCS_ROOT", "./generated_docs")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("REDIS_ADDR", "")

	cfg := &Config{
		DBHost:            v.GetString("DB_HOST"),
		DBPort:            v.GetInt("DB_PORT"),
		DBUser:            v.GetString("DB_USER"),
		DBPassword:        v.GetString("DB_PASSWORD"),
		DBName:            v.GetString("DB_NAME"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		JWTTTL:            time.Duration(v.GetInt("JWT_TTL_MIN")) * time.Minute,
		ClearingInterval:  time.Duration(v.GetInt("CLEARING_INTERVAL_SECONDS")) * time.Second,
		AdaptiveKEpsilon:  v.GetFloat64("ADAPTIVE_K_EPSILON"),
		GeneratedDocsRoot: v.GetString("GENERATED_DOCS_ROOT"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		NATSURL:           v.GetString("NATS_URL"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
	}
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitComma(brokers)
	}

	if cfg.ClearingInterval <= 0 {
		return nil, fmt.Errorf("CLEARING_INTERVAL_SECONDS must be positive")
	}
	if cfg.AdaptiveKEpsilon < 0 {
		return nil, fmt.Errorf("ADAPTIVE_K_EPSILON must not be negative")
	}
	return cfg, nil
}

// DSN MySQL 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
