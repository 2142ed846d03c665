package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SquadronYAMLConfig is the raw shape of squadron.yaml before defaults are
// resolved and pipelines are registered.
type SquadronYAMLConfig struct {
	System     *SystemYAMLConfig              `yaml:"system"`
	Queue      *QueueConfig                   `yaml:"queue"`
	AgentRoles AgentRolesConfig               `yaml:"agent_roles"`
	Pipelines  map[string]*PipelineDefinition `yaml:"pipelines"`
}

// Initialize loads, validates, and returns ready-to-use configuration. This
// is the primary entry point used by cmd/squadron.
//
// Steps performed:
//  1. Load .env (secrets) into the process environment
//  2. Load squadron.yaml from configDir
//  3. Expand ${VAR} references and parse YAML
//  4. Merge user queue/retention/forge/notify settings over built-in defaults
//  5. Build the pipeline registry
//  6. Validate all configuration (struct tags + stage graph integrity)
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	if err := loadDotenv(configDir); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized", "pipelines", stats.Pipelines)

	return cfg, nil
}

// loadDotenv loads <configDir>/.env into the process environment, if
// present. A missing .env file is not an error — secrets may already be set
// in the runtime environment (container orchestrators, CI).
func loadDotenv(configDir string) error {
	path := filepath.Join(configDir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	raw, err := loader.loadSquadronYAML()
	if err != nil {
		return nil, NewLoadError("squadron.yaml", err)
	}

	queueCfg := DefaultQueueConfig()
	if raw.Queue != nil {
		if err := mergo.Merge(queueCfg, raw.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	defs := make(map[string]*PipelineDefinition, len(raw.Pipelines))
	for name, def := range raw.Pipelines {
		if def.Name == "" {
			def.Name = name
		}
		defs[name] = def
	}

	agentRoles := raw.AgentRoles
	if agentRoles == nil {
		agentRoles = AgentRolesConfig{}
	}

	return &Config{
		configDir:  configDir,
		System:     resolveSystemConfig(raw.System),
		Queue:      queueCfg,
		Retention:  resolveRetentionConfig(raw.System),
		Forge:      resolveForgeConfig(raw.System),
		Notify:     resolveNotifyConfig(raw.System),
		AgentRoles: agentRoles,
		Pipelines:  NewPipelineRegistry(defs),
	}, nil
}

func validate(cfg *Config) error {
	v := NewValidator(cfg)
	return v.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadSquadronYAML() (*SquadronYAMLConfig, error) {
	var cfg SquadronYAMLConfig
	cfg.Pipelines = make(map[string]*PipelineDefinition)

	if err := l.loadYAML("squadron.yaml", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
