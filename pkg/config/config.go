// Package config loads the optional project-level ".jinjaform.yaml" file: a
// small, purely advisory sibling of ".jinjaformrc" that names cache
// locations, the IaC binary to drive, and build-notifier settings. It is
// never required; every field has a working default.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v4"
)

// Config is the project-level jinjaform configuration.
type Config struct {
	// Binary is the IaC tool binary to exec: "terraform" or "tofu".
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty" jsonschema:"description=IaC tool binary to invoke,enum=terraform,enum=tofu,default=terraform"`

	// Cache configures the project-wide module and plugin cache
	// directories the Workspace Assembler links into every build.
	Cache CacheConfig `yaml:"cache,omitempty" json:"cache,omitempty" jsonschema:"description=Module and plugin cache locations"`

	// Git configures the preflight checks the CLI dispatcher runs before
	// a workspace build, mirroring the GIT_CHECK_* runtime-config verbs.
	Git GitConfig `yaml:"git,omitempty" json:"git,omitempty" jsonschema:"description=Git preflight check defaults"`

	// Notify configures the build notifier's PR/MR comment posting.
	Notify *NotifyConfig `yaml:"notify,omitempty" json:"notify,omitempty" jsonschema:"description=Build notifier configuration"`
}

// CacheConfig names the project-wide cache directories, relative to the
// project root unless given as an absolute path.
type CacheConfig struct {
	// ModulesDir holds the shared ".terraform/modules" cache.
	ModulesDir string `yaml:"modules_dir,omitempty" json:"modules_dir,omitempty" jsonschema:"description=Module cache directory\\, relative to the project root,default=.jinjaform/modules"`
	// PluginsDir holds the shared TF_PLUGIN_CACHE_DIR cache.
	PluginsDir string `yaml:"plugins_dir,omitempty" json:"plugins_dir,omitempty" jsonschema:"description=Plugin cache directory\\, relative to the project root,default=.jinjaform/plugins"`
}

// GitConfig sets the default git preflight branch.
type GitConfig struct {
	// Branch is the branch GIT_CHECK_BRANCH compares against when a
	// ".jinjaformrc" does not name one explicitly.
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty" jsonschema:"description=Default branch name for GIT_CHECK_BRANCH,default=master"`
}

// NotifyConfig controls whether and how the build notifier posts plan
// summaries.
type NotifyConfig struct {
	// Enabled turns the notifier on. Even when true, it only posts when
	// the environment identifies a running PR/MR pipeline.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"description=Enable posting plan summaries as PR/MR comments"`
	// IncludeDetails includes the full plan text in a collapsible
	// section of the posted comment.
	IncludeDetails bool `yaml:"include_details,omitempty" json:"include_details,omitempty" jsonschema:"description=Include full plan output in an expandable section"`
}

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	return &Config{
		Binary: "terraform",
		Cache: CacheConfig{
			ModulesDir: ".jinjaform/modules",
			PluginsDir: ".jinjaform/plugins",
		},
		Git: GitConfig{
			Branch: "master",
		},
	}
}

var configFileNames = []string{".jinjaform.yaml", ".jinjaform.yml"}

// Load reads and parses one ".jinjaform.yaml" file, applying Default()
// first so an unset field keeps its documented default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault looks for ".jinjaform.yaml"/".jinjaform.yml" in dir and
// loads the first one found, or returns Default() if neither exists: the
// file is always optional.
func LoadOrDefault(dir string) (*Config, error) {
	for _, name := range configFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// SchemaURL is the URL published for editor schema validation via a
// "# yaml-language-server: $schema=" header.
const SchemaURL = "https://raw.githubusercontent.com/edelwud/jinjaform/main/.jinjaform.schema.json"

// Save writes cfg to path, preceded by a yaml-language-server schema
// reference header.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := fmt.Sprintf("# yaml-language-server: $schema=%s\n", SchemaURL)
	content := append([]byte(header), data...)

	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration describes a usable setup.
func (c *Config) Validate() error {
	if c.Binary != "terraform" && c.Binary != "tofu" {
		return fmt.Errorf(`binary must be "terraform" or "tofu", got %q`, c.Binary)
	}
	if c.Cache.ModulesDir == "" {
		return fmt.Errorf("cache.modules_dir is required")
	}
	if c.Cache.PluginsDir == "" {
		return fmt.Errorf("cache.plugins_dir is required")
	}
	return nil
}
