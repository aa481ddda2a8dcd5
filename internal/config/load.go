package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment override, e.g. METAQUERY_QUERY_MAX_LIMIT.
const EnvPrefix = "METAQUERY"

// stdinSource reads a secret from standard input instead of a file.
const stdinSource = "@-"

var defineFlagsOnce sync.Once

// Load loads configuration from multiple sources with the following precedence:
// 1. Explicit overrides (v.Set) for secrets read from files or the terminal
// 2. Command line flags
// 3. Environment variables
// 4. Config file
// 5. Default values
func Load() (*Config, error) {
	defineFlagsOnce.Do(func() { defineFlags(pflag.CommandLine) })
	if !pflag.Parsed() {
		pflag.Parse()
	}
	return load(pflag.CommandLine)
}

func load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("metaquery")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/metaquery/")
		v.AddConfigPath("$HOME/.metaquery")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v, fs)
	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}

	if err := resolveSecret(v, "catalog.dsn", "catalog.dsn_file", "catalog DSN"); err != nil {
		return nil, err
	}
	if err := resolveSecret(v, "catalog.password", "catalog.password_file", "catalog password"); err != nil {
		return nil, err
	}
	if v.GetString("catalog.source") == CatalogSourceSQL &&
		v.GetString("catalog.dsn") == "" &&
		v.GetString("catalog.password") == "" &&
		v.GetBool("catalog.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("catalog.password", pwd)
	}
	if err := resolveSecret(v, "server.admin.auth_token", "server.admin.auth_token_file", "admin auth token"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Catalog.Driver = normalizeDriver(cfg.Catalog.Driver)
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		conn.Driver = normalizeDriver(conn.Driver)
		if conn.DSN != "" || conn.DSNFile == "" {
			continue
		}
		dsn, err := readSecretFile(conn.DSNFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read DSN file for connection %s: %w", conn.Key(), err)
		}
		conn.DSN = dsn
	}
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToStringSliceHookFunc(","),
	)
}

// resolveSecret fills key from fileKey when key is unset. An empty file is an error.
func resolveSecret(v *viper.Viper, key, fileKey, what string) error {
	path := strings.TrimSpace(v.GetString(fileKey))
	if v.GetString(key) != "" || path == "" {
		return nil
	}
	secret, err := readSecretFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s file: %w", what, err)
	}
	if secret == "" {
		return fmt.Errorf("%s file %q is empty", what, path)
	}
	v.Set(key, secret)
	return nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := fs.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// defineFlags defines command line flags using canonical snake_case keys. Target
// connections are a list and are configured in the file only.
func defineFlags(fs *pflag.FlagSet) {
	fs.String("catalog.source", "", "Catalog source (file, sql)")
	fs.String("catalog.file", "", "Path to the YAML catalog (file source)")
	fs.String("catalog.driver", "", "Catalog database driver (mysql, postgres)")
	fs.String("catalog.dsn", "", "Catalog database DSN (overrides discrete fields)")
	fs.String("catalog.dsn_file", "", "Path to file containing the catalog DSN (use @- for stdin)")
	fs.String("catalog.host", "", "Catalog database host")
	fs.Int("catalog.port", 0, "Catalog database port")
	fs.String("catalog.user", "", "Catalog database user")
	fs.String("catalog.password_file", "", "Path to file containing the catalog password (use @- for stdin)")
	fs.Bool("catalog.password_prompt", false, "Prompt for the catalog password securely")
	fs.String("catalog.database", "", "Catalog database name")
	fs.String("catalog.tls.mode", "", "Catalog TLS mode (off, skip-verify, verify-ca, verify-full)")
	fs.Duration("catalog.connect_timeout", 0, "Keep retrying the catalog database for this long at startup (0 = try once)")
	fs.Duration("catalog.cache_ttl", 0, "Maximum age of a cached catalog snapshot (0 = until invalidated)")

	fs.Int("query.default_limit", 0, "Row limit applied when a request sets none")
	fs.Int("query.max_limit", 0, "Largest row limit a request may ask for")
	fs.String("query.time_zone", "", "IANA time zone for date-only equality on timestamps")
	fs.Duration("query.statement_timeout", 0, "Statement execution timeout")

	fs.Int("server.port", 0, "HTTP server port")
	fs.Bool("server.admin.invalidate_enabled", false, "Expose POST /admin/catalog/invalidate")
	fs.String("server.admin.auth_token_file", "", "Path to file containing the admin token (use @- for stdin)")
	fs.Bool("server.rate_limit_enabled", false, "Enable global rate limiting")
	fs.Float64("server.rate_limit_rps", 0, "Global rate limit requests per second")
	fs.Int("server.rate_limit_burst", 0, "Global rate limit burst size")
	fs.Bool("server.cors_enabled", false, "Enable CORS")
	fs.StringSlice("server.cors_allowed_origins", nil, "Allowed CORS origins (comma-separated or repeated)")
	fs.Duration("server.read_timeout", 0, "HTTP server read timeout")
	fs.Duration("server.write_timeout", 0, "HTTP server write timeout")
	fs.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
	fs.Duration("server.shutdown_timeout", 0, "HTTP server graceful shutdown timeout")
	fs.String("server.tls_cert_file", "", "Path to TLS certificate file")
	fs.String("server.tls_key_file", "", "Path to TLS private key file")

	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.environment", "", "Environment name (dev, staging, prod)")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	fs.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio (0..1)")
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	fs.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")

	fs.StringP("config", "c", "", "Config file path")
}

// setDefaults sets default values (lowest precedence). Every key that may come from the
// environment needs a default so viper's AutomaticEnv can see it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog.source", CatalogSourceFile)
	v.SetDefault("catalog.file", "catalog.yaml")
	v.SetDefault("catalog.driver", DriverMySQL)
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("catalog.dsn_file", "")
	v.SetDefault("catalog.host", "localhost")
	v.SetDefault("catalog.port", 0)
	v.SetDefault("catalog.user", "metaquery")
	v.SetDefault("catalog.password", "")
	v.SetDefault("catalog.password_file", "")
	v.SetDefault("catalog.password_prompt", false)
	v.SetDefault("catalog.database", "metaquery")
	v.SetDefault("catalog.tls.mode", "")
	v.SetDefault("catalog.tls.ca_file", "")
	v.SetDefault("catalog.tls.cert_file", "")
	v.SetDefault("catalog.tls.key_file", "")
	v.SetDefault("catalog.tls.server_name", "")
	v.SetDefault("catalog.pool.max_open", 10)
	v.SetDefault("catalog.pool.max_idle", 5)
	v.SetDefault("catalog.pool.max_lifetime", 30*time.Minute)
	v.SetDefault("catalog.connect_timeout", time.Duration(0))
	v.SetDefault("catalog.connect_retry_interval", 2*time.Second)
	v.SetDefault("catalog.cache_ttl", time.Duration(0))

	v.SetDefault("connections", []map[string]any{})

	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_limit", 1000)
	v.SetDefault("query.time_zone", "UTC")
	v.SetDefault("query.statement_timeout", 30*time.Second)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_request_bytes", int64(1<<20))
	v.SetDefault("server.admin.invalidate_enabled", true)
	v.SetDefault("server.admin.auth_token", "")
	v.SetDefault("server.admin.auth_token_file", "")
	v.SetDefault("server.rate_limit_enabled", false)
	v.SetDefault("server.rate_limit_rps", 0.0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("server.cors_enabled", false)
	v.SetDefault("server.cors_allowed_origins", []string{})
	v.SetDefault("server.cors_allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("server.cors_allowed_headers", []string{"Content-Type", "Authorization", "X-Request-ID"})
	v.SetDefault("server.cors_allow_credentials", false)
	v.SetDefault("server.cors_max_age", 86400)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 2*time.Second)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("observability.service_name", "metaquery")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.sqlcommenter_enabled", true)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Print("Enter catalog database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin for "@-".
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error
	if strings.TrimSpace(path) == stdinSource {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"catalog.dsn_file",
		"catalog.password_file",
		"server.admin.auth_token_file",
	}
	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == stdinSource {
			configured = append(configured, key)
		}
	}
	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
