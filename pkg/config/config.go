package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Addrs string `mapstructure:"ADDR"`
	} `mapstructure:"KAFKA"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Consul struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"CONSUL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`

	// ACE holds the attribution and commission engine knobs. Windows are
	// operator-configurable per deployment; defaults follow ApplyDefaults.
	ACE struct {
		HoldWindow           time.Duration `mapstructure:"HOLD_WINDOW"`
		AttributionWindow    time.Duration `mapstructure:"ATTRIBUTION_WINDOW"`
		ClickDedupWindow     time.Duration `mapstructure:"CLICK_DEDUP_WINDOW"`
		ClickRetention       time.Duration `mapstructure:"CLICK_RETENTION_GRACE"`
		PlatformFeePercent   int64         `mapstructure:"PLATFORM_FEE_PERCENT"`
		DefaultRatePercent   int64         `mapstructure:"DEFAULT_RATE_PERCENT"`
		MinPayoutMinorUnits  int64         `mapstructure:"MIN_PAYOUT_MINOR_UNITS"`
		PlatformCurrency     string        `mapstructure:"PLATFORM_CURRENCY"`
		ClickTokenSecret     string        `mapstructure:"CLICK_TOKEN_SECRET"`
		ShortLinkBaseURL     string        `mapstructure:"SHORT_LINK_BASE_URL"`
		DispatchTimeout      time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
		WebhookDeadline      time.Duration `mapstructure:"WEBHOOK_DEADLINE"`
		MaxDispatchAttempts  int           `mapstructure:"MAX_DISPATCH_ATTEMPTS"`
	} `mapstructure:"ACE"`

	Providers map[string]ProviderConfig `mapstructure:"PROVIDERS"`
}

// ProviderConfig carries the endpoint and credential for one payout provider.
type ProviderConfig struct {
	Endpoint string `mapstructure:"ENDPOINT"`
	APIKey   string `mapstructure:"API_KEY"`
}

// ApplyDefaults fills the ACE zero values with the platform defaults.
func (c *Config) ApplyDefaults() {
	if c.ACE.HoldWindow == 0 {
		c.ACE.HoldWindow = 14 * 24 * time.Hour
	}
	if c.ACE.AttributionWindow == 0 {
		c.ACE.AttributionWindow = 30 * 24 * time.Hour
	}
	if c.ACE.ClickDedupWindow == 0 {
		c.ACE.ClickDedupWindow = 60 * time.Second
	}
	if c.ACE.ClickRetention == 0 {
		c.ACE.ClickRetention = 14 * 24 * time.Hour
	}
	if c.ACE.PlatformFeePercent == 0 {
		c.ACE.PlatformFeePercent = 5
	}
	if c.ACE.DefaultRatePercent == 0 {
		c.ACE.DefaultRatePercent = 10
	}
	if c.ACE.MinPayoutMinorUnits == 0 {
		c.ACE.MinPayoutMinorUnits = 5000
	}
	if c.ACE.PlatformCurrency == "" {
		c.ACE.PlatformCurrency = "MAD"
	}
	if c.ACE.DispatchTimeout == 0 {
		c.ACE.DispatchTimeout = 15 * time.Second
	}
	if c.ACE.WebhookDeadline == 0 {
		c.ACE.WebhookDeadline = 30 * time.Second
	}
	if c.ACE.MaxDispatchAttempts == 0 {
		c.ACE.MaxDispatchAttempts = 3
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		injectSecrets(p.Vault, &cfg)
	}

	cfg.ApplyDefaults()
	return &cfg
}

// LoadRemote reads the config from a remote backend (consul by default) and
// keeps it refreshed in configHolder. Vault is mandatory for remote setups.
func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault client is required for remote config")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}
	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(5 * time.Second)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			_ = config.Unmarshal(&newcfg)
			newcfg.ApplyDefaults()
			configHolder.Store(&newcfg)
		}
	}()

	injectSecrets(p.Vault, &cfg)
	cfg.ApplyDefaults()
	return &cfg
}

func injectSecrets(client *vault.Client, cfg *Config) {
	ctx := context.Background()

	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed to get secrets from vault", zap.Error(err))
		os.Exit(1)
	}

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	if v := get("click_token_secret"); v != "" {
		cfg.ACE.ClickTokenSecret = v
	}
	if v := get("flagsmith_api_key"); v != "" {
		cfg.Flagsmith.ApiKey = v
	}
}
