// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml 覆盖 common.yaml）
//  3. 代码硬编码默认值（各组件的 DefaultConfig）
//
// 凭据单一数据源：
//
//	密码/密钥只存在环境变量中（YAML 中不存储任何密码），
//	包括 JWT_SECRET、DB_PASSWORD、REDIS_PASSWORD、MINIO_ROOT_PASSWORD、GEMINI_API_KEY。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/sitegen/
//     - dev/test → ./configs/
package config

import (
	"time"

	"sitegen/internal/apiserver/auth"
	"sitegen/internal/apiserver/server"
	"sitegen/internal/orchestrator/bridge"
	"sitegen/internal/orchestrator/dispatcher"
	"sitegen/internal/orchestrator/estimator"
	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/orchestrator/retry"
	"sitegen/internal/orchestrator/taskmgr"
	"sitegen/internal/provider/gemini"
	"sitegen/internal/provider/ollama"
	"sitegen/internal/shared/storage/dbutil"
	"sitegen/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// Provider 类型
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderStub   = "stub"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Log          logging.Config     `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	MinIO        MinIOConfig        `yaml:"minio"`
	Provider     ProviderConfig     `yaml:"provider"`
	Auth         auth.Config        `yaml:"auth"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig API Server 配置
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 优雅关闭时等待后台任务的时限
	server.Config   `yaml:",inline"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite", "postgres", "mongodb" 或 "none"（为空时按 DATABASE_URL 前缀检测，默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从环境变量读取（DB_PASSWORD / MONGO_ROOT_PASSWORD）
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"` // 关闭时任务存储与事件日志使用进程内实现
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	DB       int           `yaml:"db"`
	Password string        `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string        `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
	TaskTTL  time.Duration `yaml:"task_ttl"`
	EventTTL time.Duration `yaml:"event_ttl"`
}

// MinIOConfig MinIO 对象存储配置
//
// Endpoint 为空时不上传产物文件，只写入产物元数据。
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// ProviderConfig 模型提供方配置
type ProviderConfig struct {
	Type    string        `yaml:"type"`    // "ollama", "gemini" 或 "stub"
	Timeout time.Duration `yaml:"timeout"` // 单次 HTTP 调用时限（ollama）
	Ollama  ollama.Config `yaml:"ollama"`
	Gemini  gemini.Config `yaml:"gemini"`
}

// OrchestratorConfig 编排器各组件配置
type OrchestratorConfig struct {
	Estimator  estimator.Config  `yaml:"estimator"`
	Pipeline   pipeline.Config   `yaml:"pipeline"`
	Retry      retry.Policy      `yaml:"retry"`
	Dispatcher dispatcher.Config `yaml:"dispatcher"`
	Tasks      taskmgr.Config    `yaml:"tasks"`
	Bridge     bridge.Config     `yaml:"bridge"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env             Environment
	APIPort         string
	ShutdownTimeout time.Duration
	Log             logging.Config
	DatabaseDriver  dbutil.DriverType
	DatabaseURL     string
	DatabaseDBName  string // MongoDB 数据库名称
	Redis           RedisConfig
	RedisURL        string // Redis 未启用时为空
	MinIO           MinIOConfig
	Provider        ProviderConfig
	Auth            auth.Config
	Server          server.Config
	Orchestrator    OrchestratorConfig
	ConfigFilePath  string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
