package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config содержит все настройки сервиса
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string

	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		// RequestTimeout общий предел обработки запроса, синхронные вызовы ждут меньше
		RequestTimeout time.Duration
		BodyLimit      int // максимальный размер запроса в МБ
	}

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int // размер пула соединений
		// AutoMigrate применять миграции control plane при старте
		AutoMigrate bool
	}

	Redis struct {
		Enabled           bool
		Host              string
		Port              int
		Password          string
		DB                int
		PoolSize          int
		MinIdleConns      int
		ConnectTimeout    time.Duration
		ReadTimeout       time.Duration
		WriteTimeout      time.Duration
		PoolTimeout       time.Duration
		MaxRetries        int
		MinRetryBackoff   time.Duration
		MaxRetryBackoff   time.Duration
		DefaultExpiration time.Duration
	}

	Kafka struct {
		Enabled           bool          `mapstructure:"enabled"`
		Brokers           []string      `mapstructure:"brokers"`
		GroupID           string        `mapstructure:"group_id"`
		DeadLetterTopic   string        `mapstructure:"dead_letter_topic"`
		AutoOffsetReset   string        `mapstructure:"auto_offset_reset"`
		SessionTimeout    time.Duration `mapstructure:"session_timeout"`
		PollTimeout       time.Duration `mapstructure:"poll_timeout"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		EnableIdempotence bool          `mapstructure:"enable_idempotence"`
		CompressionType   string        `mapstructure:"compression_type"`
	}

	Tracing struct {
		Enabled     bool
		ServiceName string
		Endpoint    string
		Insecure    bool
		Probability float64 // вероятность сэмплирования трассировки
	}

	Metrics struct {
		Enabled     bool
		ServiceName string
		Endpoint    string
		Port        int `mapstructure:"port"`
	}

	Security struct {
		// Ключи подписи токенов расширений, PEM. Пустые значения включают
		// случайный ключ, допустимо только вне production.
		JWTPrivateKeyFile string
		JWTPublicKeyFile  string
		JWTIssuer         string
		JWTExpiration     time.Duration
		CORSAllowOrigins  []string
	}

	Keycloak KeycloakConfig

	Storage struct {
		Enabled        bool
		Bucket         string
		Region         string
		Endpoint       string
		AccessKey      string
		SecretKey      string
		UsePathStyle   bool
		PresignTimeout time.Duration
	}

	Tenants struct {
		CacheTTL time.Duration
	}

	Dispatch struct {
		WaitTimeout time.Duration
		PollInitial time.Duration
		PollMax     time.Duration
		PhotoURLTTL time.Duration
		PresenceTTL time.Duration
		// Timeouts переопределяют таймауты действий, ключ - имя действия
		Timeouts map[string]time.Duration
	}

	Sweeper struct {
		Interval       time.Duration
		LockTTL        time.Duration
		DeliveryGrace  time.Duration
		Retention      time.Duration
		Concurrency    int
		RedeliverBatch int
	}

	Quotas struct {
		Fallback QuotaConfig
		// Marketplaces квоты площадок по умолчанию
		Marketplaces map[string]QuotaConfig
		// Tiers квоты тарифов, перекрывают квоты площадок
		Tiers map[string]map[string]QuotaConfig
	}
}

// QuotaConfig квота изменяющих действий
type QuotaConfig struct {
	MaxActions int           `mapstructure:"max_actions"`
	Window     time.Duration `mapstructure:"window"`
}

func (q QuotaConfig) quota() models.Quota {
	return models.Quota{MaxActions: q.MaxActions, Window: q.Window}
}

// Load загружает конфигурацию из .env, файла и переменных окружения
func Load(configPath string) (*Config, error) {
	// .env нужен только локально, его отсутствие не ошибка
	_ = godotenv.Load()

	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	v := viper.New()
	v.SetConfigName(configFile)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("../../config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
	}

	setDefaults(v)
	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации конфигурации: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	if _, err := utils.GenerateConnectionString(c.PostgresParams()); err != nil {
		return fmt.Errorf("некорректные настройки postgres: %w", err)
	}
	if c.IsProduction() && (c.Security.JWTPrivateKeyFile == "" || c.Security.JWTPublicKeyFile == "") {
		return errors.New("в production нужны ключи подписи токенов исполнителей")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka включена, но brokers не заданы")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return errors.New("хранилище фото включено, но bucket не задан")
	}
	for name := range c.Dispatch.Timeouts {
		if !models.Action(name).Valid() {
			return fmt.Errorf("неизвестное действие в dispatch.timeouts: %q", name)
		}
	}
	for name := range c.Quotas.Marketplaces {
		if !models.Marketplace(name).Valid() {
			return fmt.Errorf("неизвестная площадка в quotas.marketplaces: %q", name)
		}
	}
	return nil
}

// IsProduction сообщает, что сервис запущен в production
func (c *Config) IsProduction() bool {
	return c.ENV == "production"
}

// PostgresParams параметры подключения к БД
func (c *Config) PostgresParams() utils.PostgresParams {
	return utils.PostgresParams{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		DBName:   c.Postgres.DBName,
		SSLMode:  c.Postgres.SSLMode,
		PoolSize: c.Postgres.PoolSize,
		Timeout:  c.Postgres.Timeout,
	}
}

// PostgresDSN строка подключения для pgxpool
func (c *Config) PostgresDSN() (string, error) {
	return utils.GenerateConnectionString(c.PostgresParams())
}

// MigrationURL URL БД для golang-migrate
func (c *Config) MigrationURL() (string, error) {
	return utils.GenerateConnectionURL("pgx5", c.PostgresParams())
}

// QuotaPolicy квоты лимитера с учетом настроек
func (c *Config) QuotaPolicy() services.QuotaPolicy {
	policy := services.DefaultQuotaPolicy()

	if c.Quotas.Fallback.MaxActions > 0 {
		policy.Fallback = c.Quotas.Fallback.quota()
	}
	for name, q := range c.Quotas.Marketplaces {
		policy.Defaults[models.Marketplace(name)] = q.quota()
	}
	if len(c.Quotas.Tiers) > 0 {
		policy.Tiers = make(map[string]map[models.Marketplace]models.Quota, len(c.Quotas.Tiers))
		for tier, byMarketplace := range c.Quotas.Tiers {
			quotas := make(map[models.Marketplace]models.Quota, len(byMarketplace))
			for name, q := range byMarketplace {
				quotas[models.Marketplace(name)] = q.quota()
			}
			policy.Tiers[tier] = quotas
		}
	}

	return policy
}

// DispatchConfig настройки диспетчера
func (c *Config) DispatchConfig() services.DispatchConfig {
	cfg := services.DispatchConfig{
		WaitTimeout: c.Dispatch.WaitTimeout,
		PollInitial: c.Dispatch.PollInitial,
		PollMax:     c.Dispatch.PollMax,
		PhotoURLTTL: c.Dispatch.PhotoURLTTL,
	}
	if len(c.Dispatch.Timeouts) > 0 {
		cfg.Timeouts = make(map[models.Action]time.Duration, len(c.Dispatch.Timeouts))
		for name, d := range c.Dispatch.Timeouts {
			cfg.Timeouts[models.Action(name)] = d
		}
	}
	return cfg
}

// SweeperConfig настройки фонового прохода
func (c *Config) SweeperConfig() services.SweeperConfig {
	return services.SweeperConfig{
		Interval:       c.Sweeper.Interval,
		LockTTL:        c.Sweeper.LockTTL,
		DeliveryGrace:  c.Sweeper.DeliveryGrace,
		Retention:      c.Sweeper.Retention,
		Concurrency:    c.Sweeper.Concurrency,
		RedeliverBatch: c.Sweeper.RedeliverBatch,
	}
}

// setDefaults устанавливает значения по умолчанию
func setDefaults(v *viper.Viper) {
	v.SetDefault("appName", "dispatch-service")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("logLevel", "info")
	v.SetDefault("env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "40s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.requestTimeout", "35s")
	v.SetDefault("server.bodyLimit", 10)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.dbname", "crosslist")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timeout", "5s")
	v.SetDefault("postgres.poolSize", 20)
	v.SetDefault("postgres.autoMigrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.minIdleConns", 2)
	v.SetDefault("redis.connectTimeout", "1s")
	v.SetDefault("redis.readTimeout", "1s")
	v.SetDefault("redis.writeTimeout", "1s")
	v.SetDefault("redis.poolTimeout", "4s")
	v.SetDefault("redis.maxRetries", 3)
	v.SetDefault("redis.minRetryBackoff", "8ms")
	v.SetDefault("redis.maxRetryBackoff", "512ms")
	v.SetDefault("redis.defaultExpiration", "10m")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "dispatch-service")
	v.SetDefault("kafka.dead_letter_topic", "task-events-dlq")
	v.SetDefault("kafka.auto_offset_reset", "earliest")
	v.SetDefault("kafka.session_timeout", "10s")
	v.SetDefault("kafka.poll_timeout", "100ms")
	v.SetDefault("kafka.write_timeout", "5s")
	v.SetDefault("kafka.enable_idempotence", true)
	v.SetDefault("kafka.compression_type", "snappy")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "dispatch-service")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.probability", 0.1)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.serviceName", "dispatch-service")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("security.jwtIssuer", "crosslist-dispatch")
	v.SetDefault("security.jwtExpiration", "720h")
	v.SetDefault("security.corsAllowOrigins", []string{"*"})

	v.SetDefault("keycloak.enabled", false)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.region", "eu-west-1")
	v.SetDefault("storage.presignTimeout", "5s")

	v.SetDefault("tenants.cacheTTL", "1m")

	v.SetDefault("dispatch.waitTimeout", "20s")
	v.SetDefault("dispatch.pollInitial", "250ms")
	v.SetDefault("dispatch.pollMax", "2s")
	v.SetDefault("dispatch.photoURLTTL", "15m")
	v.SetDefault("dispatch.presenceTTL", "1m")

	v.SetDefault("sweeper.interval", "15s")
	v.SetDefault("sweeper.lockTTL", "1m")
	v.SetDefault("sweeper.deliveryGrace", "1m")
	v.SetDefault("sweeper.retention", "168h")
	v.SetDefault("sweeper.concurrency", 4)
	v.SetDefault("sweeper.redeliverBatch", 50)
}

// bindEnvVariables привязывает переменные окружения к конфигурации
func bindEnvVariables(v *viper.Viper) {
	bindings := map[string]string{
		"appName":  "APP_NAME",
		"version":  "APP_VERSION",
		"logLevel": "LOG_LEVEL",
		"env":      "APP_ENV",

		"server.host":           "SERVER_HOST",
		"server.port":           "SERVER_PORT",
		"server.readTimeout":    "SERVER_READ_TIMEOUT",
		"server.writeTimeout":   "SERVER_WRITE_TIMEOUT",
		"server.requestTimeout": "SERVER_REQUEST_TIMEOUT",

		"postgres.host":        "POSTGRES_HOST",
		"postgres.port":        "POSTGRES_PORT",
		"postgres.user":        "POSTGRES_USER",
		"postgres.password":    "POSTGRES_PASSWORD",
		"postgres.dbname":      "POSTGRES_DBNAME",
		"postgres.sslmode":     "POSTGRES_SSLMODE",
		"postgres.poolSize":    "POSTGRES_POOL_SIZE",
		"postgres.autoMigrate": "POSTGRES_AUTO_MIGRATE",

		"redis.enabled":  "REDIS_ENABLED",
		"redis.host":     "REDIS_HOST",
		"redis.port":     "REDIS_PORT",
		"redis.password": "REDIS_PASSWORD",
		"redis.db":       "REDIS_DB",

		"kafka.enabled":  "KAFKA_ENABLED",
		"kafka.brokers":  "KAFKA_BROKERS",
		"kafka.group_id": "KAFKA_GROUP_ID",

		"tracing.enabled":     "TRACING_ENABLED",
		"tracing.endpoint":    "TRACING_ENDPOINT",
		"tracing.probability": "TRACING_PROBABILITY",

		"metrics.enabled": "METRICS_ENABLED",
		"metrics.port":    "METRICS_PORT",

		"security.jwtPrivateKeyFile": "JWT_PRIVATE_KEY_FILE",
		"security.jwtPublicKeyFile":  "JWT_PUBLIC_KEY_FILE",
		"security.jwtIssuer":         "JWT_ISSUER",
		"security.corsAllowOrigins":  "CORS_ALLOW_ORIGINS",

		"keycloak.enabled":    "KEYCLOAK_ENABLED",
		"keycloak.server_url": "KEYCLOAK_SERVER_URL",
		"keycloak.realm":      "KEYCLOAK_REALM",
		"keycloak.client_id":  "KEYCLOAK_CLIENT_ID",

		"storage.enabled":   "STORAGE_ENABLED",
		"storage.bucket":    "STORAGE_BUCKET",
		"storage.region":    "STORAGE_REGION",
		"storage.endpoint":  "STORAGE_ENDPOINT",
		"storage.accessKey": "STORAGE_ACCESS_KEY",
		"storage.secretKey": "STORAGE_SECRET_KEY",

		"dispatch.waitTimeout": "DISPATCH_WAIT_TIMEOUT",
		"sweeper.interval":     "SWEEPER_INTERVAL",
	}

	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}
