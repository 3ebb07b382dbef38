package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/edgeflare/sqlgate/pkg/secret"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	Connections map[string]ConnectionConfig `mapstructure:"connections"`
	FileStores  map[string]FileStoreConfig  `mapstructure:"fileStores"`
	CORS        *CORSConfig                 `mapstructure:"cors"`
	Authorize   AuthorizeConfig             `mapstructure:"authorize"`
	APIKeys     APIKeysConfig               `mapstructure:"apiKeys"`
	Server      ServerConfig                `mapstructure:"server"`
	Errors      ErrorsConfig                `mapstructure:"errors"`
	Reload      ReloadConfig                `mapstructure:"reload"`
	Metrics     MetricsConfig               `mapstructure:"metrics"`
	Routes      []RouteConfig               `mapstructure:"routes"`
	Defaults    DefaultsConfig              `mapstructure:"defaults"`
}

type ServerConfig struct {
	ListenAddr  string    `mapstructure:"listenAddr"`
	BasePath    string    `mapstructure:"basePath"`
	OpenAPIPath string    `mapstructure:"openapiPath"`
	TLS         TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	Enabled  bool   `mapstructure:"enabled"`
}

type DefaultsConfig struct {
	Connection        string         `mapstructure:"connection"`
	ResponseStructure string         `mapstructure:"responseStructure"`
	VariablesPattern  PatternsConfig `mapstructure:"variablesPattern"`
	CommandTimeout    time.Duration  `mapstructure:"commandTimeout"`
	SuccessStatusCode int            `mapstructure:"successStatusCode"`
	MaxBodyBytes      int64          `mapstructure:"maxBodyBytes"`
}

// PatternsConfig holds the placeholder delimiter regex per parameter source.
// Every pattern must expose a named group "param".
type PatternsConfig struct {
	Headers string `mapstructure:"headers"`
	JSON    string `mapstructure:"json"`
	Form    string `mapstructure:"form"`
	Query   string `mapstructure:"query"`
	Route   string `mapstructure:"route"`
	Claims  string `mapstructure:"claims"`
	// Segment recognizes a parameter segment in a route path, e.g. {id}.
	Segment string `mapstructure:"segment"`
}

type ConnectionConfig struct {
	// Provider is one of postgres, pq, sqlserver, mysql, sqlite.
	Provider   string `mapstructure:"provider"`
	ConnString string `mapstructure:"connString"`
}

type ErrorsConfig struct {
	GenericMessage string `mapstructure:"genericMessage"`
	DebugHeader    string `mapstructure:"debugHeader"`
	DebugSecret    string `mapstructure:"debugSecret"`
	DomainBandBase int    `mapstructure:"domainBandBase"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	AllowedMethods   []string `mapstructure:"allowedMethods"`
	AllowedHeaders   []string `mapstructure:"allowedHeaders"`
	ExposedHeaders   []string `mapstructure:"exposedHeaders"`
	MaxAge           int      `mapstructure:"maxAge"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

// APIKeysConfig declares named credential collections. A collection may hold
// API keys, basic credentials ("user:password") or both.
type APIKeysConfig struct {
	Collections map[string][]string `mapstructure:"collections"`
	Basic       map[string][]string `mapstructure:"basic"`
	Header      string              `mapstructure:"header"`
	// Required lists collections enforced on every route that does not name its own.
	Required []string `mapstructure:"required"`
}

type AuthorizeConfig struct {
	Providers       map[string]OIDCProviderConfig `mapstructure:"providers"`
	DefaultProvider string                        `mapstructure:"defaultProvider"`
}

type OIDCProviderConfig struct {
	Issuer       string `mapstructure:"issuer"`
	ClientID     string `mapstructure:"clientID"`
	ClientSecret string `mapstructure:"clientSecret"`
}

type FileStoreConfig struct {
	BasePath string `mapstructure:"basePath"`
}

type ReloadConfig struct {
	PGConnection string `mapstructure:"pgConnection"`
	PGChannel    string `mapstructure:"pgChannel"`
	NATSURL      string `mapstructure:"natsURL"`
	NATSSubject  string `mapstructure:"natsSubject"`
	WatchFile    bool   `mapstructure:"watchFile"`
}

type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// RouteConfig is one endpoint as written in configuration. Exactly one of
// Query or Proxy must be set.
type RouteConfig struct {
	Name                     string                `mapstructure:"name"`
	Route                    string                `mapstructure:"route"`
	Query                    string                `mapstructure:"query"`
	CountQuery               string                `mapstructure:"countQuery"`
	ResponseStructure        string                `mapstructure:"responseStructure"`
	RootKey                  string                `mapstructure:"rootKey"`
	Connection               string                `mapstructure:"connection"`
	Verbs                    []string              `mapstructure:"verbs"`
	MandatoryParameters      []string              `mapstructure:"mandatoryParameters"`
	APIKeys                  []string              `mapstructure:"apiKeys"`
	VariablesPattern         *PatternsConfig       `mapstructure:"variablesPattern"`
	Cache                    *CacheConfig          `mapstructure:"cache"`
	CORS                     *CORSConfig           `mapstructure:"cors"`
	Authorize                *RouteAuthorizeConfig `mapstructure:"authorize"`
	FileManagement           *FileManagementConfig `mapstructure:"fileManagement"`
	Proxy                    *ProxyConfig          `mapstructure:"proxy"`
	CommandTimeout           time.Duration         `mapstructure:"commandTimeout"`
	SuccessStatusCode        int                   `mapstructure:"successStatusCode"`
	NotFoundOnEmpty          bool                  `mapstructure:"notFoundOnEmpty"`
	DisableDeferredExecution bool                  `mapstructure:"disableDeferredExecution"`
}

type CacheConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

type RouteAuthorizeConfig struct {
	Provider    string   `mapstructure:"provider"`
	RoleClaim   string   `mapstructure:"roleClaim"`
	DBRoleClaim string   `mapstructure:"dbRoleClaim"`
	Roles       []string `mapstructure:"roles"`
	Enabled     bool     `mapstructure:"enabled"`
}

type FileManagementConfig struct {
	Upload   *UploadConfig   `mapstructure:"upload"`
	Download *DownloadConfig `mapstructure:"download"`
}

type UploadConfig struct {
	Store             string   `mapstructure:"store"`
	Field             string   `mapstructure:"field"`
	AllowedExtensions []string `mapstructure:"allowedExtensions"`
	MaxFileSize       int64    `mapstructure:"maxFileSize"`
}

type DownloadConfig struct {
	Store string `mapstructure:"store"`
}

type ProxyConfig struct {
	URL                     string            `mapstructure:"url"`
	AppliedHeaders          map[string]string `mapstructure:"appliedHeaders"`
	ExcludedHeaders         []string          `mapstructure:"excludedHeaders"`
	Timeout                 time.Duration     `mapstructure:"timeout"`
	IgnoreCertificateErrors bool              `mapstructure:"ignoreCertificateErrors"`
}

const (
	DefaultHeaderPattern  = `\{header\{(?P<param>.*?)\}\}`
	DefaultPattern        = `\{\{(?P<param>.*?)\}\}`
	DefaultClaimsPattern  = `\{auth\{(?P<param>.*?)\}\}`
	DefaultSegmentPattern = `^\{\{?(?P<param>[^{}]+?)\}?\}$`
)

// Default returns the built-in configuration every loaded file is layered on.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			OpenAPIPath: "/_openapi",
		},
		Defaults: DefaultsConfig{
			Connection:        "default",
			CommandTimeout:    30 * time.Second,
			ResponseStructure: "auto",
			SuccessStatusCode: 200,
			MaxBodyBytes:      10 << 20,
			VariablesPattern:  DefaultPatterns(),
		},
		Errors: ErrorsConfig{
			GenericMessage: "an unexpected error occurred",
			DebugHeader:    "X-Debug-Secret",
			DomainBandBase: 50000,
		},
		APIKeys: APIKeysConfig{Header: "x-api-key"},
		Reload: ReloadConfig{
			WatchFile:   true,
			PGChannel:   "sqlgate",
			NATSSubject: "sqlgate.reload",
		},
		Metrics: MetricsConfig{Addr: ":9100", Path: "/metrics"},
	}
}

// DefaultPatterns returns the built-in delimiter patterns.
func DefaultPatterns() PatternsConfig {
	return PatternsConfig{
		Headers: DefaultHeaderPattern,
		JSON:    DefaultPattern,
		Form:    DefaultPattern,
		Query:   DefaultPattern,
		Route:   DefaultPattern,
		Claims:  DefaultClaimsPattern,
		Segment: DefaultSegmentPattern,
	}
}

// NewViper returns a viper instance set up for cfgFile, or the default search
// paths when cfgFile is empty.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sqlgate")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SQLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := NewViper(cfgFile)
	if err := read(v); err != nil {
		return nil, err
	}
	return Decode(v)
}

func read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// Decode unmarshals the settings held by v on top of Default.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decryptHook(os.Getenv(secret.KeyEnv)),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}

// decryptHook replaces "encrypted:" string values with their plaintext.
func decryptHook(passphrase string) mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		s, _ := data.(string)
		if !secret.IsEncrypted(s) {
			return data, nil
		}
		return secret.Decrypt(passphrase, s)
	}
}
