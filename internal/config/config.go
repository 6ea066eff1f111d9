package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PitiGo/presupuesto-facil/internal/aggregator"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PRESUPUESTO_SERVER_PORT.
const EnvPrefix = "PRESUPUESTO"

// Store drivers
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
)

type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Store     StoreConfig       `mapstructure:"store"`
	Auth      AuthConfig        `mapstructure:"auth"`
	TrueLayer aggregator.Config `mapstructure:"truelayer"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	FrontendURL     string        `mapstructure:"frontend_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address of the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	ProjectID string `mapstructure:"project_id"`
}

type AuthConfig struct {
	// SkipAuth disables identity verification and accepts impersonation
	// headers. Local development only.
	SkipAuth        bool   `mapstructure:"skip_auth"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8111)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:1234", "http://127.0.0.1:1234"})
	v.SetDefault("server.frontend_url", "http://localhost:1234/accounts")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.disable_stacktrace", false)
	v.SetDefault("logging.output_path", "")

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.project_id", "")

	v.SetDefault("auth.skip_auth", false)
	v.SetDefault("auth.credentials_file", "")

	v.SetDefault("truelayer.client_id", "")
	v.SetDefault("truelayer.client_secret", "")
	v.SetDefault("truelayer.redirect_url", "http://localhost:8111/truelayer/callback")
	v.SetDefault("truelayer.auth_url", aggregator.DefaultAuthURL)
	v.SetDefault("truelayer.token_url", aggregator.DefaultTokenURL)
	v.SetDefault("truelayer.api_url", aggregator.DefaultAPIURL)
	v.SetDefault("truelayer.scopes", aggregator.DefaultScopes)
	v.SetDefault("truelayer.providers", []string{"uk-ob-all", "uk-oauth-all"})
	v.SetDefault("truelayer.timeout", aggregator.DefaultTimeout)
	v.SetDefault("truelayer.state_secret", "")
	v.SetDefault("truelayer.state_ttl", 15*time.Minute)
	v.SetDefault("truelayer.code_ttl", time.Hour)
}

// RegisterFlags adds the command line overrides for the most used settings.
// Flag names match configuration keys so they bind directly.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a config.yaml file")
	flags.Int("server.port", 8111, "HTTP listen port")
	flags.String("store.driver", StoreMemory, "Storage backend (memory|firestore|sqlite|postgres)")
	flags.String("store.dsn", "", "Database DSN for the sqlite and postgres drivers")
	flags.String("logging.level", "info", "Log level (debug|info|warn|error)")
	flags.Bool("auth.skip_auth", false, "Disable identity verification (local development only)")
}

// Load reads the configuration from defaults, an optional config.yaml in the
// working directory or /etc/presupuesto, PRESUPUESTO_* environment variables
// and the flags in flags, in increasing order of precedence. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		// Only flags the user set override lower layers.
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	configFile := ""
	if flags != nil {
		configFile, _ = flags.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/presupuesto")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that would prevent the server from working.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory:
	case StoreFirestore:
		if c.Store.ProjectID == "" {
			errs = append(errs, errors.New("store.project_id is required for the firestore driver"))
		}
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store.driver %q", c.Store.Driver))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	// The memory driver is for local development, where the aggregator may
	// not be configured at all.
	if c.Store.Driver != StoreMemory {
		if c.TrueLayer.ClientID == "" || c.TrueLayer.ClientSecret == "" {
			errs = append(errs, errors.New("truelayer.client_id and truelayer.client_secret are required, set PRESUPUESTO_TRUELAYER_CLIENT_ID and PRESUPUESTO_TRUELAYER_CLIENT_SECRET"))
		}
		if c.TrueLayer.StateSecret == "" {
			errs = append(errs, errors.New("truelayer.state_secret is required, set PRESUPUESTO_TRUELAYER_STATE_SECRET"))
		}
	}
	return errors.Join(errs...)
}
