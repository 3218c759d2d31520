package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации сайдкара и консоли.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	DecisionLog DecisionLogConfig `mapstructure:"decision_log"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Console     ConsoleConfig     `mapstructure:"console"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GRPCConfig: транспорт Check для прокси, умеющих только gRPC.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=1,max=65535"`
}

// MetricsConfig: админ-порт: /metrics, /healthz, /readyz.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=1,max=65535"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=1"`
	MinConns int32  `mapstructure:"min_conns" validate:"min=0"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и списки отзыва).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled: Redis опционален для сайдкара: без него нет отзыва и push-обновлений политики.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AuthConfig содержит ключевой материал для проверки и выпуска токенов.
type AuthConfig struct {
	JWTSigningKey  string        `mapstructure:"jwt_signing_key"` // HMAC-секрет
	JWKSURL        string        `mapstructure:"jwks_url" validate:"omitempty,url"`
	JWKSCacheTTL   time.Duration `mapstructure:"jwks_cache_ttl"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	Leeway         time.Duration `mapstructure:"leeway" validate:"min=0"`
	RequireExpiry  bool          `mapstructure:"require_expiry"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost" validate:"min=4,max=31"`
	PublicKey      []byte        `mapstructure:"-"`
	PrivateKey     []byte        `mapstructure:"-"`
}

// PolicyConfig: откуда брать политики и как их обновлять.
type PolicyConfig struct {
	// Source: путь к файлу/каталогу или URL бандла консоли
	Source         string        `mapstructure:"source" validate:"required"`
	Package        string        `mapstructure:"package" validate:"required"`
	ReloadInterval time.Duration `mapstructure:"reload_interval" validate:"min=0"`
	Watch          bool          `mapstructure:"watch"`
	BundleToken    string        `mapstructure:"bundle_token"`
}

// IsRemote: источник политики указывает на HTTP-бандл.
func (c PolicyConfig) IsRemote() bool {
	return strings.HasPrefix(c.Source, "http://") || strings.HasPrefix(c.Source, "https://")
}

// DecisionLogConfig: асинхронный журнал решений.
type DecisionLogConfig struct {
	Sink          string        `mapstructure:"sink" validate:"required,sink_uri"`
	BufferSize    int           `mapstructure:"buffer_size" validate:"min=1"`
	Workers       int           `mapstructure:"workers" validate:"min=1,max=64"`
	BatchSize     int           `mapstructure:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	SendTimeout   time.Duration `mapstructure:"send_timeout" validate:"min=0"`
	Overflow      string        `mapstructure:"overflow" validate:"oneof=drop_newest drop_oldest"`
	// CollectorToken: bearer для http(s)-приемника
	CollectorToken string `mapstructure:"collector_token"`
}

// EngineConfig содержит настройки точки принятия решений.
type EngineConfig struct {
	DefaultDecisionTimeoutMS int    `mapstructure:"default_decision_timeout_ms" validate:"min=1"`
	FailMode                 string `mapstructure:"fail_mode" validate:"oneof=open closed"`
	DryRun                   bool   `mapstructure:"dry_run"`
	PathPrefix               string `mapstructure:"path_prefix"`

	// Настройки Circuit Breaker для исходящих вызовов (бандл, коллектор)
	CBMaxRequests int           `mapstructure:"cb_max_requests" validate:"min=1"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit" validate:"gt=0"`
}

// DecisionTimeout: общий дедлайн одного решения.
func (c EngineConfig) DecisionTimeout() time.Duration {
	return time.Duration(c.DefaultDecisionTimeoutMS) * time.Millisecond
}

// ConsoleConfig: настройки Control Plane API.
type ConsoleConfig struct {
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// TracingConfig: OpenTelemetry-спаны вокруг принятия решения.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type loadOptions struct {
	file  string
	viper *viper.Viper
}

// LoadOption настраивает LoadConfig.
type LoadOption func(*loadOptions)

// WithConfigFile задает конкретный файл вместо поиска config.yaml.
func WithConfigFile(path string) LoadOption {
	return func(o *loadOptions) { o.file = path }
}

// WithViper позволяет CLI заранее привязать флаги к ключам.
func WithViper(v *viper.Viper) LoadOption {
	return func(o *loadOptions) { o.viper = v }
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, .env и ENV.
func LoadConfig(opts ...LoadOption) (*Config, error) {
	o := loadOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	v := o.viper
	if v == nil {
		v = viper.New()
	}

	// 0. .env для локальной разработки; отсутствие файла не ошибка
	_ = godotenv.Load(".env")

	// 1. Настройка поиска файла
	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. Переменные окружения: POLICY_SOURCE перекроет policy.source
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты. Ключ без дефолта viper не сопоставит с ENV при Unmarshal
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if o.file != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: PEM прямо в ENV (Docker/K8s) или файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8181)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Second)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", 9191)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 8282)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_signing_key", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.jwks_cache_ttl", 10*time.Minute)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 0)
	v.SetDefault("auth.require_expiry", false)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("policy.source", "./policies")
	v.SetDefault("policy.package", "envoy.authz")
	v.SetDefault("policy.reload_interval", 0)
	v.SetDefault("policy.watch", false)
	v.SetDefault("policy.bundle_token", "")

	v.SetDefault("decision_log.sink", "stdout")
	v.SetDefault("decision_log.buffer_size", 1000)
	v.SetDefault("decision_log.workers", 1)
	v.SetDefault("decision_log.batch_size", 100)
	v.SetDefault("decision_log.flush_interval", time.Second)
	v.SetDefault("decision_log.send_timeout", 0)
	v.SetDefault("decision_log.overflow", "drop_newest")
	v.SetDefault("decision_log.collector_token", "")

	v.SetDefault("engine.default_decision_timeout_ms", 100)
	v.SetDefault("engine.fail_mode", "closed")
	v.SetDefault("engine.dry_run", false)
	v.SetDefault("engine.path_prefix", "")
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 10*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit", 10)

	v.SetDefault("console.cors_origins", []string{"http://localhost:5173"})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "authz-sidecar")
}

// loadKeyResource: ключ из ENV (PEM) имеет приоритет над файлом.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
