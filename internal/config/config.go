package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models patchverify.yml.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr" validate:"required"`
		BasePath        string        `yaml:"base_path" validate:"omitempty,startswith=/"`
		JWTSecret       string        `yaml:"jwt_secret"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	} `yaml:"server"`
	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Addr        string        `yaml:"addr" validate:"required_if=Enabled true"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db" validate:"gte=0"`
		DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
		ReadTimeout time.Duration `yaml:"read_timeout" validate:"gte=0"`
		TTL         time.Duration `yaml:"ttl" validate:"gte=0"`
	} `yaml:"redis"`
	Paths struct {
		// SrcRoot is scanned for projects*/<project>/bugs_list*.json.
		SrcRoot  string `yaml:"src_root"`
		Sources  string `yaml:"sources"`
		Affixes  string `yaml:"affixes"`
		OutRoot  string `yaml:"out_root" validate:"required"`
		PatchDir string `yaml:"patch_dir" validate:"required"`
	} `yaml:"paths"`
	Build struct {
		Shell           string        `yaml:"shell" validate:"required"`
		Script          string        `yaml:"script" validate:"required"`
		ReproduceScript string        `yaml:"reproduce_script" validate:"required"`
		DefaultTimeout  time.Duration `yaml:"default_timeout" validate:"gt=0"`
		LargeTimeout    time.Duration `yaml:"large_timeout" validate:"gt=0"`
		LargeProjects   []string      `yaml:"large_projects" validate:"dive,required"`
	} `yaml:"build"`
	Logs struct {
		MaxLines  int `yaml:"max_lines" validate:"gt=0"`
		MaxTokens int `yaml:"max_tokens" validate:"gt=0"`
	} `yaml:"logs"`
	Store struct {
		Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	} `yaml:"store"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s failed on '%s' validation", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Build.LargeTimeout < c.Build.DefaultTimeout {
		return fmt.Errorf("config.build.large_timeout must not be shorter than default_timeout")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "patchverify.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pv config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: ""
  jwt_secret: ""
  shutdown_timeout: 30s

redis:
  enabled: true
  addr: localhost:6379
  password: ""
  db: 0
  dial_timeout: 5s
  read_timeout: 5s
  ttl: 0s

paths:
  src_root: /src
  sources: ""
  affixes: ""
  out_root: /out
  patch_dir: /patches

build:
  shell: bash
  script: run_patch.sh
  reproduce_script: run_reproduce.sh
  default_timeout: 30m
  large_timeout: 60m
  large_projects: [llvm]

logs:
  max_lines: 100
  max_tokens: 512

store:
  driver: sqlite
`
