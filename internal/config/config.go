// The application's root configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Version is stamped at build time with -ldflags "-X .../internal/config.Version=...".
var Version = "dev"

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Network    NetworkConfig    `mapstructure:"network"`
	Heuristics HeuristicsConfig `mapstructure:"heuristics"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Output     OutputConfig     `mapstructure:"output"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// FeedsConfig locates the three input catalogs. Each location is either an
// http(s) URL or a path on the local filesystem.
type FeedsConfig struct {
	Families     string `mapstructure:"families"`
	ThreatActors string `mapstructure:"threat_actors"`
	Bibliography string `mapstructure:"bibliography"`
}

// NetworkConfig holds settings for HTTP requests.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout"`
	UserAgent       string            `mapstructure:"user_agent"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors"`
	MaxBodyBytes    int64             `mapstructure:"max_body_bytes"`
	Headers         map[string]string `mapstructure:"headers"`
}

// HeuristicsConfig overrides the date/title extraction rule set. Empty fields
// keep the built-in defaults.
type HeuristicsConfig struct {
	DateTags                    []string `mapstructure:"date_tags"`
	ClassPattern                string   `mapstructure:"class_pattern"`
	IDPattern                   string   `mapstructure:"id_pattern"`
	ItemPropPattern             string   `mapstructure:"itemprop_pattern"`
	DatetimeAttributes          []string `mapstructure:"datetime_attributes"`
	TextPattern                 string   `mapstructure:"text_pattern"`
	ExcludeAncestorClassPattern string   `mapstructure:"exclude_ancestor_class_pattern"`
	ExcludeAncestorTagPattern   string   `mapstructure:"exclude_ancestor_tag_pattern"`
	ExcludeTagSubstrings        []string `mapstructure:"exclude_tag_substrings"`
	MaxTitleLength              int      `mapstructure:"max_title_length"`
	DocumentExtensions          []string `mapstructure:"document_extensions"`
}

// PipelineConfig holds the knobs of the graph build itself.
type PipelineConfig struct {
	// MalpediaURL is the origin named in descriptions and the top-level report.
	MalpediaURL string `mapstructure:"malpedia_url"`
	// ThreatActorSourceURL is the origin named in intrusion-set descriptions.
	ThreatActorSourceURL string `mapstructure:"threat_actor_source_url"`
	// DeterministicIDs derives malware, intrusion-set and relationship ids
	// from their names instead of drawing random ones.
	DeterministicIDs bool `mapstructure:"deterministic_ids"`
	// PreferMonthFirst controls how ambiguous numeric dates like 01-10-2004 are read.
	PreferMonthFirst bool           `mapstructure:"prefer_month_first"`
	Identity         IdentityConfig `mapstructure:"identity"`
}

// IdentityConfig describes the organization the top-level report is attributed to.
type IdentityConfig struct {
	Name         string `mapstructure:"name"`
	Title        string `mapstructure:"title"`
	Organization string `mapstructure:"organization"`
	Language     string `mapstructure:"language"`
}

// OutputConfig controls where the bundle is written.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds settings for the optional graph sink.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// Neo4jConfig holds settings for the optional graph mirror. An empty URI disables it.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// SetDefaults registers the defaults so the tool runs with no config file at all.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "mp2stix")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("feeds.families", "https://malpedia.caad.fkie.fraunhofer.de/api/get/families")
	v.SetDefault("feeds.threat_actors", "https://raw.githubusercontent.com/MISP/misp-galaxy/main/clusters/threat-actor.json")
	v.SetDefault("feeds.bibliography", "https://malpedia.caad.fkie.fraunhofer.de/api/get/bib")

	v.SetDefault("network.timeout", 30*time.Second)
	v.SetDefault("network.user_agent", "mp2stix/"+Version)
	v.SetDefault("network.max_body_bytes", int64(10<<20))

	v.SetDefault("heuristics.max_title_length", 500)

	v.SetDefault("pipeline.malpedia_url", "https://malpedia.caad.fkie.fraunhofer.de")
	v.SetDefault("pipeline.threat_actor_source_url", "https://raw.githubusercontent.com/MISP/misp-galaxy/main/clusters/threat-actor.json")
	v.SetDefault("pipeline.deterministic_ids", false)
	v.SetDefault("pipeline.prefer_month_first", false)
	v.SetDefault("pipeline.identity.name", "Fraunhofer FKIE")
	v.SetDefault("pipeline.identity.title", "Malpedia")
	v.SetDefault("pipeline.identity.organization", "Fraunhofer FKIE")
	v.SetDefault("pipeline.identity.language", "english")

	v.SetDefault("output.path", "./bundle.json")

	v.SetDefault("neo4j.username", "neo4j")
}

// Validate checks the invariants the rest of the application relies on.
func (c *Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.Feeds.Families) == "" {
		errs = append(errs, "feeds.families must be set")
	}
	if strings.TrimSpace(c.Feeds.ThreatActors) == "" {
		errs = append(errs, "feeds.threat_actors must be set")
	}
	if strings.TrimSpace(c.Feeds.Bibliography) == "" {
		errs = append(errs, "feeds.bibliography must be set")
	}
	if c.Network.Timeout <= 0 {
		errs = append(errs, "network.timeout must be positive")
	}
	if c.Network.MaxBodyBytes <= 0 {
		errs = append(errs, "network.max_body_bytes must be positive")
	}
	if c.Pipeline.MalpediaURL == "" {
		errs = append(errs, "pipeline.malpedia_url must be set")
	}
	if c.Output.Path == "" {
		errs = append(errs, "output.path must be set")
	}
	if c.Neo4j.URI != "" && c.Neo4j.Username == "" {
		errs = append(errs, "neo4j.username must be set when neo4j.uri is")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		Set(&cfg)
	})
	return loadErr
}

// Set stores an already-validated configuration as the global instance.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
