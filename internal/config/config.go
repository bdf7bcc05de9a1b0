package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Storage  StorageConfig  `json:"storage"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string   `json:"env"`             // 运行环境: local / prod
	LogLevel       string   `json:"log_level"`       // 日志级别: debug / info / warn / error
	HTTPAddr       string   `json:"http_addr"`       // API 服务监听地址
	MetricsAddr    string   `json:"metrics_addr"`    // mailer 进程的 metrics 监听地址
	AllowedOrigins []string `json:"allowed_origins"` // CORS 允许的前端来源
	SeedDemo       bool     `json:"seed_demo"`       // 启动时写入演示账号

	MailWorkers       int `json:"mail_workers"`        // 进程内发信 worker 数
	MailQueueCapacity int `json:"mail_queue_capacity"` // 进程内发信队列容量

	// Redis Streams 发信队列配置
	EnableMailStream bool   `json:"enable_mail_stream"` // 开启后由 cmd/mailer 发信
	MailStream       string `json:"mail_stream"`        // Redis Stream 名称
	MailGroup        string `json:"mail_group"`         // Consumer Group 名称

	AttemptRate  float64 `json:"attempt_rate"`  // 登录/验证接口每 IP 限流速率（token/s）
	AttemptBurst float64 `json:"attempt_burst"` // 限流桶容量

	// 同一用户 ID 或邮箱的验证码尝试限流，与来源 IP 无关
	SubjectAttemptRate  float64 `json:"subject_attempt_rate"`
	SubjectAttemptBurst float64 `json:"subject_attempt_burst"`

	TrustedProxies []string `json:"trusted_proxies"` // 允许设置 X-Forwarded-For 的代理，默认不信任任何代理
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string  `json:"smtp_host"`
	SMTPPort  int     `json:"smtp_port"`
	SMTPUser  string  `json:"smtp_user"`
	SMTPPass  string  `json:"smtp_pass"`
	FromEmail string  `json:"from_email"`
	SendRate  float64 `json:"send_rate"`  // SMTP 发送速率（封/s）
	SendBurst float64 `json:"send_burst"` // SMTP 突发上限
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret            string        `json:"jwt_secret"`              // JWT 签名密钥
	TokenTTL             time.Duration `json:"token_ttl"`               // 会话有效期
	BcryptCost           int           `json:"bcrypt_cost"`             // bcrypt 成本
	MinPasswordEntropy   float64       `json:"min_password_entropy"`    // 密码最低熵（bit）
	EmailCodeTTL         time.Duration `json:"email_code_ttl"`          // 邮箱验证码有效期
	TwoFactorCodeTTL     time.Duration `json:"two_factor_code_ttl"`     // 两步验证码有效期
	ResetCodeTTL         time.Duration `json:"reset_code_ttl"`          // 重置密码验证码有效期
	ResendCooldown       time.Duration `json:"resend_cooldown"`         // 同一邮箱重发间隔
	IssueTokenOnRegister bool          `json:"issue_token_on_register"` // 注册时是否直接签发 token
	DemoPassword         string        `json:"demo_password"`           // 演示账号密码
}

// StorageConfig 对象存储（MinIO）配置。
type StorageConfig struct {
	Endpoint      string `json:"endpoint"`        // 为空表示不启用图片上传
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	Bucket        string `json:"bucket"`
	UseSSL        bool   `json:"use_ssl"`
	PublicBaseURL string `json:"public_base_url"` // 图片对外访问前缀
	MaxImageBytes int64  `json:"max_image_bytes"` // 单张图片大小上限
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值，
// 之后再用环境变量覆盖。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:               "local",
			LogLevel:          "info",
			HTTPAddr:          ":8080",
			MetricsAddr:       ":9091",
			AllowedOrigins:    []string{"http://localhost:5173"},
			MailWorkers:       4,
			MailQueueCapacity: 256,
			EnableMailStream:  false,
			MailStream:        "chronoz:mail:outbox",
			MailGroup:         "mailer_group",
			AttemptRate:       0.2,
			AttemptBurst:      10,

			SubjectAttemptRate:  0.02,
			SubjectAttemptBurst: 5,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/chronoz?parseTime=true&loc=UTC&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SendRate:  1,
			SendBurst: 5,
		},
		Security: SecurityConfig{
			JWTSecret:          "dev_secret_change_me",
			TokenTTL:           time.Hour,
			BcryptCost:         10,
			MinPasswordEntropy: 40,
			EmailCodeTTL:       24 * time.Hour,
			TwoFactorCodeTTL:   10 * time.Minute,
			ResetCodeTTL:       15 * time.Minute,
			ResendCooldown:     time.Minute,
			DemoPassword:       "Demo-Zeitkapsel-2024",
		},
		Storage: StorageConfig{
			Bucket:        "postcards",
			MaxImageBytes: 5 << 20,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	setString(&cfg.App.Env, defaults.App.Env)
	setString(&cfg.App.LogLevel, defaults.App.LogLevel)
	setString(&cfg.App.HTTPAddr, defaults.App.HTTPAddr)
	setString(&cfg.App.MetricsAddr, defaults.App.MetricsAddr)
	if len(cfg.App.AllowedOrigins) == 0 {
		cfg.App.AllowedOrigins = defaults.App.AllowedOrigins
	}
	setInt(&cfg.App.MailWorkers, defaults.App.MailWorkers)
	setInt(&cfg.App.MailQueueCapacity, defaults.App.MailQueueCapacity)
	// Redis Streams 默认值
	setString(&cfg.App.MailStream, defaults.App.MailStream)
	setString(&cfg.App.MailGroup, defaults.App.MailGroup)
	setFloat(&cfg.App.AttemptRate, defaults.App.AttemptRate)
	setFloat(&cfg.App.AttemptBurst, defaults.App.AttemptBurst)
	setFloat(&cfg.App.SubjectAttemptRate, defaults.App.SubjectAttemptRate)
	setFloat(&cfg.App.SubjectAttemptBurst, defaults.App.SubjectAttemptBurst)

	setString(&cfg.MySQL.DSN, defaults.MySQL.DSN)
	setString(&cfg.Redis.Addr, defaults.Redis.Addr)

	setInt(&cfg.Email.SMTPPort, defaults.Email.SMTPPort)
	setFloat(&cfg.Email.SendRate, defaults.Email.SendRate)
	setFloat(&cfg.Email.SendBurst, defaults.Email.SendBurst)

	setString(&cfg.Security.JWTSecret, defaults.Security.JWTSecret)
	setDuration(&cfg.Security.TokenTTL, defaults.Security.TokenTTL)
	setInt(&cfg.Security.BcryptCost, defaults.Security.BcryptCost)
	setFloat(&cfg.Security.MinPasswordEntropy, defaults.Security.MinPasswordEntropy)
	setDuration(&cfg.Security.EmailCodeTTL, defaults.Security.EmailCodeTTL)
	setDuration(&cfg.Security.TwoFactorCodeTTL, defaults.Security.TwoFactorCodeTTL)
	setDuration(&cfg.Security.ResetCodeTTL, defaults.Security.ResetCodeTTL)
	setDuration(&cfg.Security.ResendCooldown, defaults.Security.ResendCooldown)
	setString(&cfg.Security.DemoPassword, defaults.Security.DemoPassword)

	setString(&cfg.Storage.Bucket, defaults.Storage.Bucket)
	if cfg.Storage.MaxImageBytes == 0 {
		cfg.Storage.MaxImageBytes = defaults.Storage.MaxImageBytes
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	envString(v, "APP_ENV", &cfg.App.Env)
	envString(v, "APP_LOG_LEVEL", &cfg.App.LogLevel)
	envString(v, "APP_HTTP_ADDR", &cfg.App.HTTPAddr)
	envString(v, "APP_METRICS_ADDR", &cfg.App.MetricsAddr)
	if s := v.GetString("APP_ALLOWED_ORIGINS"); s != "" {
		cfg.App.AllowedOrigins = splitList(s)
	}
	envBool(v, "APP_SEED_DEMO", &cfg.App.SeedDemo)
	envInt(v, "APP_MAIL_WORKERS", &cfg.App.MailWorkers)
	envInt(v, "APP_MAIL_QUEUE_CAPACITY", &cfg.App.MailQueueCapacity)
	envBool(v, "APP_ENABLE_MAIL_STREAM", &cfg.App.EnableMailStream)
	envString(v, "APP_MAIL_STREAM", &cfg.App.MailStream)
	envString(v, "APP_MAIL_GROUP", &cfg.App.MailGroup)
	envFloat(v, "APP_ATTEMPT_RATE", &cfg.App.AttemptRate)
	envFloat(v, "APP_ATTEMPT_BURST", &cfg.App.AttemptBurst)
	envFloat(v, "APP_SUBJECT_ATTEMPT_RATE", &cfg.App.SubjectAttemptRate)
	envFloat(v, "APP_SUBJECT_ATTEMPT_BURST", &cfg.App.SubjectAttemptBurst)
	if s := v.GetString("APP_TRUSTED_PROXIES"); s != "" {
		cfg.App.TrustedProxies = splitList(s)
	}

	if dsn := v.GetString("DB_DSN"); dsn != "" {
		cfg.MySQL.DSN = dsn
	} else if hasAnyEnv(v, "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		host, port := splitHostPort(parsed.Addr)
		envString(v, "DB_HOST", &host)
		envString(v, "DB_PORT", &port)
		parsed.Addr = host + ":" + port
		envString(v, "DB_USER", &parsed.User)
		envString(v, "DB_PASSWORD", &parsed.Passwd)
		envString(v, "DB_NAME", &parsed.DBName)
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	envString(v, "REDIS_ADDR", &cfg.Redis.Addr)
	envString(v, "REDIS_PASSWORD", &cfg.Redis.Password)

	envString(v, "SMTP_HOST", &cfg.Email.SMTPHost)
	envInt(v, "SMTP_PORT", &cfg.Email.SMTPPort)
	envString(v, "SMTP_USER", &cfg.Email.SMTPUser)
	envString(v, "SMTP_PASS", &cfg.Email.SMTPPass)
	envString(v, "SMTP_FROM", &cfg.Email.FromEmail)
	envFloat(v, "SMTP_SEND_RATE", &cfg.Email.SendRate)
	envFloat(v, "SMTP_SEND_BURST", &cfg.Email.SendBurst)

	envString(v, "JWT_SECRET", &cfg.Security.JWTSecret)
	envDuration(v, "TOKEN_TTL", &cfg.Security.TokenTTL)
	envInt(v, "BCRYPT_COST", &cfg.Security.BcryptCost)
	envFloat(v, "MIN_PASSWORD_ENTROPY", &cfg.Security.MinPasswordEntropy)
	envDuration(v, "EMAIL_CODE_TTL", &cfg.Security.EmailCodeTTL)
	envDuration(v, "TWO_FACTOR_CODE_TTL", &cfg.Security.TwoFactorCodeTTL)
	envDuration(v, "RESET_CODE_TTL", &cfg.Security.ResetCodeTTL)
	envDuration(v, "RESEND_COOLDOWN", &cfg.Security.ResendCooldown)
	envBool(v, "ISSUE_TOKEN_ON_REGISTER", &cfg.Security.IssueTokenOnRegister)
	envString(v, "DEMO_PASSWORD", &cfg.Security.DemoPassword)

	envString(v, "MINIO_ENDPOINT", &cfg.Storage.Endpoint)
	envString(v, "MINIO_ACCESS_KEY", &cfg.Storage.AccessKey)
	envString(v, "MINIO_SECRET_KEY", &cfg.Storage.SecretKey)
	envString(v, "MINIO_BUCKET", &cfg.Storage.Bucket)
	envBool(v, "MINIO_USE_SSL", &cfg.Storage.UseSSL)
	envString(v, "MINIO_PUBLIC_BASE_URL", &cfg.Storage.PublicBaseURL)
	if s := v.GetString("MINIO_MAX_IMAGE_BYTES"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			cfg.Storage.MaxImageBytes = n
		}
	}
}

func envString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

func envInt(v *viper.Viper, key string, dst *int) {
	if s := v.GetString(key); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			*dst = i
		}
	}
}

func envFloat(v *viper.Viper, key string, dst *float64) {
	if s := v.GetString(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(v *viper.Viper, key string, dst *bool) {
	if s := v.GetString(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			*dst = b
		}
	}
}

func envDuration(v *viper.Viper, key string, dst *time.Duration) {
	if s := v.GetString(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			*dst = d
		}
	}
}

func hasAnyEnv(v *viper.Viper, keys ...string) bool {
	for _, key := range keys {
		if v.GetString(key) != "" {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitHostPort(addr string) (string, string) {
	host, port := addr, "3306"
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
		if addr[i+1:] != "" {
			port = addr[i+1:]
		}
	}
	if host == "" {
		host = "localhost"
	}
	return host, port
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if parsed, err := mysql.ParseDSN(dsn); err == nil && dsn != "" {
		return parsed
	}
	fallback := mysql.NewConfig()
	fallback.User = "root"
	fallback.Net = "tcp"
	fallback.Addr = "localhost:3306"
	fallback.DBName = "chronoz"
	fallback.ParseTime = true
	return fallback
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL         string `json:"token_ttl"`
		EmailCodeTTL     string `json:"email_code_ttl"`
		TwoFactorCodeTTL string `json:"two_factor_code_ttl"`
		ResetCodeTTL     string `json:"reset_code_ttl"`
		ResendCooldown   string `json:"resend_cooldown"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"token_ttl", aux.TokenTTL, &s.TokenTTL},
		{"email_code_ttl", aux.EmailCodeTTL, &s.EmailCodeTTL},
		{"two_factor_code_ttl", aux.TwoFactorCodeTTL, &s.TwoFactorCodeTTL},
		{"reset_code_ttl", aux.ResetCodeTTL, &s.ResetCodeTTL},
		{"resend_cooldown", aux.ResendCooldown, &s.ResendCooldown},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}
