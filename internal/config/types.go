// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml），其下为 common.yaml
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或进程环境中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/elt-runner/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// 状态后端类型
const (
	StateBackendDB     = "db"     // 与作业记录同库（关系行或 MongoDB 文档）
	StateBackendLocal  = "local"  // 本地文件
	StateBackendS3     = "s3"     // MinIO / S3 对象
	StateBackendEtcd   = "etcd"   // etcd key
	StateBackendRedis  = "redis"  // Redis hash
	StateBackendMemory = "memory" // 进程内（仅测试）
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Runner   RunnerConfig   `yaml:"runner"`   // 运行器
	Database DatabaseConfig `yaml:"database"` // 作业记录数据库
	State    StateConfig    `yaml:"state"`    // 增量状态后端
	Redis    RedisConfig    `yaml:"redis"`    // Redis
	Etcd     EtcdConfig     `yaml:"etcd"`     // etcd
	MinIO    MinIOConfig    `yaml:"minio"`    // MinIO 对象存储
	Log      LogConfig      `yaml:"log"`      // 日志
	Metrics  MetricsConfig  `yaml:"metrics"`  // Prometheus 指标
	Catalog  string         `yaml:"catalog"`  // 插件与管道目录文件

	loadedFrom string
}

// RunnerConfig 运行器配置
type RunnerConfig struct {
	WorkDir            string        `yaml:"work_dir"`            // 运行期私有目录的父目录
	LogDir             string        `yaml:"log_dir"`             // 每次运行的日志目录
	TerminationGrace   time.Duration `yaml:"termination_grace"`   // SIGTERM 到 SIGKILL 的等待时间
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`  // 作业心跳间隔
	StaleThreshold     time.Duration `yaml:"stale_threshold"`     // 心跳超过该时长视为疑似失联
	MaxLineBytes       int           `yaml:"max_line_bytes"`      // 单行输出上限
	MaxStateBytes      int           `yaml:"max_state_bytes"`     // 状态消息单行上限，超过时运行失败
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"` // 检查点写入作业 payload 的最小间隔
	BufferSize         int           `yaml:"buffer_size"`         // Block 间拷贝缓冲区大小
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // sqlite | postgres | mongodb
	Path    string `yaml:"path"`   // SQLite 文件路径
	URI     string `yaml:"uri"`    // MongoDB 完整 URI
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

// StateConfig 状态后端配置
type StateConfig struct {
	Backend  string `yaml:"backend"`   // db | local | s3 | etcd | redis | memory
	LocalDir string `yaml:"local_dir"` // local 后端目录
}

// RedisConfig Redis 配置
type RedisConfig struct {
	URL       string `yaml:"url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	DB        int    `yaml:"db"`
	Password  string `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
	Prefix    string `yaml:"prefix"`
	LogStream bool   `yaml:"log_stream"` // 是否把运行日志镜像到 Redis Streams
}

// EtcdConfig etcd 配置
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint    string `yaml:"endpoint"`     // 例如 localhost:9000
	AccessKey   string `yaml:"-"`            // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey   string `yaml:"-"`            // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL      bool   `yaml:"use_ssl"`      // 是否使用 HTTPS
	Bucket      string `yaml:"bucket"`       // bucket 名称
	Prefix      string `yaml:"prefix"`       // 对象 key 前缀
	ArchiveLogs bool   `yaml:"archive_logs"` // 运行结束后归档日志文件
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空则不暴露 /metrics
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	Runner         RunnerConfig
	DatabaseDriver string
	DatabaseURL    string
	DatabaseName   string // MongoDB 数据库名
	State          StateConfig
	Redis          RedisConfig
	RedisURL       string
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	Log            LogConfig
	Metrics        MetricsConfig
	CatalogPath    string
	ConfigFilePath string // 实际加载的配置文件路径
}
