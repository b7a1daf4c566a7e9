// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	// LauncherAccelerate runs the trainer through "accelerate launch".
	LauncherAccelerate Launcher = "accelerate"
	// LauncherPython runs the trainer script with the Python interpreter directly.
	LauncherPython Launcher = "python"

	// ColorSchemeAuto detects the terminal background.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces the dark palette.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces the light palette.
	ColorSchemeLight ColorScheme = "light"

	// DefaultWorkspace is the workspace root used when nothing else is set.
	DefaultWorkspace = "/workspace/lora_training"
	// DefaultSDScripts is the default sd-scripts checkout.
	DefaultSDScripts = "/opt/sd-scripts"
	// DefaultModelPath holds flux1-dev.safetensors and ae.safetensors.
	DefaultModelPath = "/workspace/models/flux1-dev"
	// DefaultTextEncoderPath holds clip_l.safetensors and t5xxl_fp16.safetensors.
	DefaultTextEncoderPath = "/workspace/models/text_encoders"
)

var (
	// ErrInvalidLauncher is returned when a Launcher value is not recognized.
	ErrInvalidLauncher = errors.New("invalid launcher")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
)

type (
	// Launcher selects how the trainer script is started.
	Launcher string

	// ColorScheme selects the terminal palette.
	ColorScheme string

	// Config is the application configuration. Hyperparameters are not part
	// of it; they are resolved per profile by the profile package.
	Config struct {
		Paths     Paths           `json:"paths" yaml:"paths" mapstructure:"paths"`
		Trainer   TrainerConfig   `json:"trainer" yaml:"trainer" mapstructure:"trainer"`
		Dashboard DashboardConfig `json:"dashboard" yaml:"dashboard" mapstructure:"dashboard"`
		Runs      RunsConfig      `json:"runs" yaml:"runs" mapstructure:"runs"`
		UI        UIConfig        `json:"ui" yaml:"ui" mapstructure:"ui"`

		// SourcePath is the config file that was loaded, empty when only
		// defaults and the environment were used.
		SourcePath string `json:"-" mapstructure:"-"`
	}

	// Paths locates the trainer, models, dataset and run outputs.
	Paths struct {
		Workspace       string `json:"workspace" yaml:"workspace" mapstructure:"workspace"`
		SDScripts       string `json:"sdscripts" yaml:"sdscripts" mapstructure:"sdscripts"`
		ModelPath       string `json:"model_path" yaml:"model_path" mapstructure:"model_path"`
		TextEncoderPath string `json:"text_encoder_path" yaml:"text_encoder_path" mapstructure:"text_encoder_path"`
		DataDir         string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
		OutputDir       string `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
		LogDir          string `json:"log_dir" yaml:"log_dir" mapstructure:"log_dir"`
		SamplePrompts   string `json:"sample_prompts" yaml:"sample_prompts" mapstructure:"sample_prompts"`
	}

	// TrainerConfig controls how the trainer process is launched.
	TrainerConfig struct {
		Launcher    Launcher      `json:"launcher" yaml:"launcher" mapstructure:"launcher"`
		Python      string        `json:"python" yaml:"python" mapstructure:"python"`
		PTY         bool          `json:"pty" yaml:"pty" mapstructure:"pty"`
		GracePeriod time.Duration `json:"grace_period" yaml:"grace_period" mapstructure:"grace_period"`
	}

	// DashboardConfig controls the log-polling dashboard.
	DashboardConfig struct {
		Interval           time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
		TailBytes          int64         `json:"tail_bytes" yaml:"tail_bytes" mapstructure:"tail_bytes"`
		SSHAddress         string        `json:"ssh_address" yaml:"ssh_address" mapstructure:"ssh_address"`
		HostKeyPath        string        `json:"host_key_path" yaml:"host_key_path" mapstructure:"host_key_path"`
		AuthorizedKeysPath string        `json:"authorized_keys_path" yaml:"authorized_keys_path" mapstructure:"authorized_keys_path"`
	}

	// RunsConfig locates the run history database.
	RunsConfig struct {
		Database string `json:"database" yaml:"database" mapstructure:"database"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		Verbose     bool        `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
		ColorScheme ColorScheme `json:"color_scheme" yaml:"color_scheme" mapstructure:"color_scheme"`
	}
)

// DefaultConfig returns the configuration used when no file or environment
// overrides are present. Derived paths are already filled in.
func DefaultConfig() *Config {
	cfg := &Config{
		Paths: Paths{
			Workspace:       DefaultWorkspace,
			SDScripts:       DefaultSDScripts,
			ModelPath:       DefaultModelPath,
			TextEncoderPath: DefaultTextEncoderPath,
		},
		Trainer: TrainerConfig{
			Launcher:    LauncherAccelerate,
			Python:      "python3",
			GracePeriod: 30 * time.Second,
		},
		Dashboard: DashboardConfig{
			Interval:   2 * time.Second,
			TailBytes:  256 * 1024,
			SSHAddress: "127.0.0.1:2222",
		},
		UI: UIConfig{ColorScheme: ColorSchemeAuto},
	}
	cfg.fillDerived()
	return cfg
}

// fillDerived fills every empty path that hangs off the workspace.
func (c *Config) fillDerived() {
	p := &c.Paths
	if p.DataDir == "" {
		p.DataDir = filepath.Join(p.Workspace, "data", "subject")
	}
	if p.OutputDir == "" {
		p.OutputDir = filepath.Join(p.Workspace, "output")
	}
	if p.LogDir == "" {
		p.LogDir = filepath.Join(p.Workspace, "logs")
	}
	if p.SamplePrompts == "" {
		p.SamplePrompts = filepath.Join(p.Workspace, "configs", "sample_prompts.txt")
	}
	if c.Runs.Database == "" {
		c.Runs.Database = filepath.Join(p.LogDir, "runs.db")
	}
	if c.Dashboard.HostKeyPath == "" {
		c.Dashboard.HostKeyPath = filepath.Join(p.Workspace, ".ssh", "loractl_ed25519")
	}
}

// ConfigsDir is where profile TOML files and prompts live.
func (p Paths) ConfigsDir() string {
	return filepath.Join(p.Workspace, "configs")
}

// ProfileFile returns the TOML file for a named profile.
func (p Paths) ProfileFile(profile string) string {
	return filepath.Join(p.ConfigsDir(), "flux_"+profile+".toml")
}

// TrainerScript is the sd-scripts entry point for FLUX LoRA training.
func (p Paths) TrainerScript() string {
	return filepath.Join(p.SDScripts, "flux_train_network.py")
}

// RunLogDir is the per-run directory for logs and reproducibility artifacts.
func (p Paths) RunLogDir(runName string) string {
	return filepath.Join(p.LogDir, runName)
}

// SampleDir is where the trainer writes sample images during training.
func (p Paths) SampleDir() string {
	return filepath.Join(p.OutputDir, "sample")
}

func (l Launcher) String() string { return string(l) }

// Validate reports whether the Launcher is one of the defined values.
func (l Launcher) Validate() error {
	switch l {
	case LauncherAccelerate, LauncherPython:
		return nil
	default:
		return fmt.Errorf("%w %q (valid: accelerate, python)", ErrInvalidLauncher, string(l))
	}
}

func (cs ColorScheme) String() string { return string(cs) }

// Validate reports whether the ColorScheme is one of the defined values.
func (cs ColorScheme) Validate() error {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return nil
	default:
		return fmt.Errorf("%w %q (valid: auto, dark, light)", ErrInvalidColorScheme, string(cs))
	}
}
