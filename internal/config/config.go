// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loractl/loractl/internal/cueutil"
	"github.com/loractl/loractl/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "loractl"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes the generic LORACTL_<SECTION>_<KEY> variables.
	EnvPrefix = "LORACTL"
	// DotenvFile is read from the workspace root on startup.
	DotenvFile = ".env"
)

//go:embed config_schema.cue
var configSchema []byte

// pathEnv binds each path key to the variable operators already use in
// their launch scripts.
var pathEnv = []struct {
	key string
	env string
}{
	{"paths.workspace", "WORKSPACE"},
	{"paths.sdscripts", "SDSCRIPTS"},
	{"paths.model_path", "MODEL_PATH"},
	{"paths.text_encoder_path", "TEXT_ENCODER_PATH"},
	{"paths.data_dir", "DATA_DIR"},
	{"paths.output_dir", "OUT_DIR"},
	{"paths.log_dir", "LOG_DIR"},
	{"paths.sample_prompts", "SAMPLE_PROMPTS"},
}

// ConfigDir returns the loractl configuration directory: %APPDATA% on
// Windows, ~/Library/Application Support on macOS, $XDG_CONFIG_HOME
// (default ~/.config) elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(configDir, AppName), nil
}

// loadWithOptions resolves configuration in order of increasing precedence:
// built-in defaults, config.cue, environment, explicit options.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)

	resolvedPath, err := mergeConfigFile(v, opts)
	if err != nil {
		return nil, err
	}

	for _, b := range pathEnv {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.env, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Workspace != "" {
		v.Set("paths.workspace", opts.Workspace)
	}

	// The workspace .env only fills variables that are still unset, so it
	// is loaded once the workspace is known and before paths are read.
	if !opts.SkipDotenv {
		if err := loadDotenv(v.GetString("paths.workspace")); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SourcePath = resolvedPath
	cfg.fillDerived()

	if err := cfg.Trainer.Launcher.Validate(); err != nil {
		return nil, configError("validate configuration", resolvedPath, err)
	}
	if err := cfg.UI.ColorScheme.Validate(); err != nil {
		return nil, configError("validate configuration", resolvedPath, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("paths.workspace", d.Paths.Workspace)
	v.SetDefault("paths.sdscripts", d.Paths.SDScripts)
	v.SetDefault("paths.model_path", d.Paths.ModelPath)
	v.SetDefault("paths.text_encoder_path", d.Paths.TextEncoderPath)
	// Derived paths default to empty and are filled from the final workspace.
	for _, key := range []string{"paths.data_dir", "paths.output_dir", "paths.log_dir", "paths.sample_prompts", "runs.database", "dashboard.host_key_path"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("trainer.launcher", string(d.Trainer.Launcher))
	v.SetDefault("trainer.python", d.Trainer.Python)
	v.SetDefault("trainer.pty", d.Trainer.PTY)
	v.SetDefault("trainer.grace_period", d.Trainer.GracePeriod.String())
	v.SetDefault("dashboard.interval", d.Dashboard.Interval.String())
	v.SetDefault("dashboard.tail_bytes", d.Dashboard.TailBytes)
	v.SetDefault("dashboard.ssh_address", d.Dashboard.SSHAddress)
	v.SetDefault("dashboard.authorized_keys_path", "")
	v.SetDefault("ui.verbose", d.UI.Verbose)
	v.SetDefault("ui.color_scheme", string(d.UI.ColorScheme))
}

// mergeConfigFile loads the explicit config file, or the one in the config
// directory when present. A missing default file is not an error.
func mergeConfigFile(v *viper.Viper, opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Run 'loractl config init' to create a default configuration").
				WithIssue(issue.ConfigInvalidId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		if err := loadCUEIntoViper(v, opts.ConfigFilePath); err != nil {
			return "", configError("load configuration", opts.ConfigFilePath, err)
		}
		return opts.ConfigFilePath, nil
	}

	cfgDir := opts.ConfigDirPath
	if cfgDir == "" {
		var err error
		if cfgDir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	cuePath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	if !fileExists(cuePath) {
		return "", nil
	}
	if err := loadCUEIntoViper(v, cuePath); err != nil {
		return "", configError("load configuration", cuePath, err)
	}
	return cuePath, nil
}

func configError(op, resource string, err error) error {
	return issue.NewErrorContext().
		WithOperation(op).
		WithResource(resource).
		WithSuggestion("Check that the file contains valid CUE syntax").
		WithSuggestion("Run 'loractl config dump' to see the expected layout").
		WithIssue(issue.ConfigInvalidId).
		Wrap(err).
		BuildError()
}

// loadCUEIntoViper validates a CUE file against #Config and merges it into v.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	configMap, err := cueutil.Decode[map[string]any](configSchema, data, "#Config",
		cueutil.WithConcrete(false), cueutil.WithFilename(path))
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(*configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// loadDotenv reads <workspace>/.env without overriding variables that are
// already set in the process environment.
func loadDotenv(workspace string) error {
	if workspace == "" {
		return nil
	}
	path := filepath.Join(workspace, DotenvFile)
	if !fileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return issue.WrapWithContext(err, "load environment file", path)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes a default config file unless one exists, and
// returns its path.
func CreateDefaultConfig(configDirPath string) (string, error) {
	cfgDir := configDirPath
	if cfgDir == "" {
		var err error
		if cfgDir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(cfgPath) {
		return cfgPath, nil
	}
	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return cfgPath, nil
}

// GenerateCUE renders cfg in the config file format.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// loractl configuration\n")
	sb.WriteString("// Environment variables (WORKSPACE, MODEL_PATH, ...) override these values.\n\n")

	sb.WriteString("paths: {\n")
	fmt.Fprintf(&sb, "\tworkspace:         %q\n", cfg.Paths.Workspace)
	fmt.Fprintf(&sb, "\tsdscripts:         %q\n", cfg.Paths.SDScripts)
	fmt.Fprintf(&sb, "\tmodel_path:        %q\n", cfg.Paths.ModelPath)
	fmt.Fprintf(&sb, "\ttext_encoder_path: %q\n", cfg.Paths.TextEncoderPath)
	sb.WriteString("}\n")

	sb.WriteString("\ntrainer: {\n")
	fmt.Fprintf(&sb, "\tlauncher:     %q\n", cfg.Trainer.Launcher)
	fmt.Fprintf(&sb, "\tpython:       %q\n", cfg.Trainer.Python)
	fmt.Fprintf(&sb, "\tpty:          %v\n", cfg.Trainer.PTY)
	fmt.Fprintf(&sb, "\tgrace_period: %q\n", cfg.Trainer.GracePeriod.String())
	sb.WriteString("}\n")

	sb.WriteString("\ndashboard: {\n")
	fmt.Fprintf(&sb, "\tinterval:    %q\n", cfg.Dashboard.Interval.String())
	fmt.Fprintf(&sb, "\ttail_bytes:  %d\n", cfg.Dashboard.TailBytes)
	fmt.Fprintf(&sb, "\tssh_address: %q\n", cfg.Dashboard.SSHAddress)
	if cfg.Dashboard.AuthorizedKeysPath != "" {
		fmt.Fprintf(&sb, "\tauthorized_keys_path: %q\n", cfg.Dashboard.AuthorizedKeysPath)
	}
	sb.WriteString("}\n")

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose:      %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	sb.WriteString("}\n")

	return sb.String()
}
