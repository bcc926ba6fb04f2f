package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
)

// FileWriteOptions controls config file formatting behavior.
type FileWriteOptions struct {
	// HeaderLines are written above the JSON content (one line per entry).
	// Lines are written as provided; callers can include comment prefixes.
	HeaderLines []string
}

// cleanManifestConfig is used for JSON output with omitempty to skip empty fields.
type cleanManifestConfig struct {
	DefaultAllowRead  bool                `json:"defaultAllowRead,omitempty"`
	DefaultAllowWrite bool                `json:"defaultAllowWrite,omitempty"`
	DefaultReport     bool                `json:"defaultReport,omitempty"`
	Entries           []PathPolicyConfig  `json:"entries,omitempty"`
	AllowGlobs        []GlobRuleConfig    `json:"allowGlobs,omitempty"`
	DenyGlobs         []string            `json:"denyGlobs,omitempty"`
	Translations      []TranslationConfig `json:"translations,omitempty"`
	PlatformDefaults  bool                `json:"platformDefaults,omitempty"`
	AllowGitConfig    bool                `json:"allowGitConfig,omitempty"`
}

// cleanCommandConfig is used for JSON output with omitempty to skip empty fields.
type cleanCommandConfig struct {
	Deny                     []string `json:"deny,omitempty"`
	UseDefaultDeniedCommands *bool    `json:"useDefaultDeniedCommands,omitempty"`
}

// cleanPolicyConfig is used for JSON output with omitempty to skip empty fields.
type cleanPolicyConfig struct {
	FailUnexpectedFileAccesses            bool `json:"failUnexpectedFileAccesses,omitempty"`
	UnexpectedFileAccessesAreErrors       bool `json:"unexpectedFileAccessesAreErrors,omitempty"`
	EnforceCreationPolicy                 bool `json:"enforceCreationPolicy,omitempty"`
	ExistingDirectoryProbesAsEnumerations bool `json:"existingDirectoryProbesAsEnumerations,omitempty"`
	ProbeDirectorySymlinkAsDirectory      bool `json:"probeDirectorySymlinkAsDirectory,omitempty"`
}

// cleanPipConfig is used for JSON output with fields in desired order and omitempty.
type cleanPipConfig struct {
	Extends        string               `json:"extends,omitempty"`
	Executable     string               `json:"executable"`
	Args           []string             `json:"args,omitempty"`
	Cwd            string               `json:"cwd,omitempty"`
	Env            map[string]string    `json:"env,omitempty"`
	TimeoutSeconds int                  `json:"timeoutSeconds,omitempty"`
	Shell          string               `json:"shell,omitempty"`
	Manifest       *cleanManifestConfig `json:"manifest,omitempty"`
	Command        *cleanCommandConfig  `json:"command,omitempty"`
	Policy         *cleanPolicyConfig   `json:"policy,omitempty"`
}

// MarshalConfigJSON marshals a pip config to clean JSON, omitting empty
// sections and with fields in a logical order (extends first).
func MarshalConfigJSON(cfg *PipConfig) ([]byte, error) {
	clean := cleanPipConfig{
		Extends:        cfg.Extends,
		Executable:     cfg.Executable,
		Args:           cfg.Args,
		Cwd:            cfg.Cwd,
		Env:            cfg.Env,
		TimeoutSeconds: cfg.TimeoutSeconds,
		Shell:          cfg.Shell,
	}

	manifestOut := cleanManifestConfig{
		DefaultAllowRead:  cfg.Manifest.DefaultAllowRead,
		DefaultAllowWrite: cfg.Manifest.DefaultAllowWrite,
		DefaultReport:     cfg.Manifest.DefaultReport,
		Entries:           cfg.Manifest.Entries,
		AllowGlobs:        cfg.Manifest.AllowGlobs,
		DenyGlobs:         cfg.Manifest.DenyGlobs,
		Translations:      cfg.Manifest.Translations,
		PlatformDefaults:  cfg.Manifest.PlatformDefaults,
		AllowGitConfig:    cfg.Manifest.AllowGitConfig,
	}
	if !isManifestEmpty(manifestOut) {
		clean.Manifest = &manifestOut
	}

	command := cleanCommandConfig{Deny: cfg.Command.Deny, UseDefaultDeniedCommands: cfg.Command.UseDefaultDeniedCommands}
	if !isCommandEmpty(command) {
		clean.Command = &command
	}

	policy := cleanPolicyConfig{
		FailUnexpectedFileAccesses:            cfg.Policy.FailUnexpectedFileAccesses,
		UnexpectedFileAccessesAreErrors:       cfg.Policy.UnexpectedFileAccessesAreErrors,
		EnforceCreationPolicy:                 cfg.Policy.EnforceCreationPolicy,
		ExistingDirectoryProbesAsEnumerations: cfg.Policy.ExistingDirectoryProbesAsEnumerations,
		ProbeDirectorySymlinkAsDirectory:      cfg.Policy.ProbeDirectorySymlinkAsDirectory,
	}
	if policy != (cleanPolicyConfig{}) {
		clean.Policy = &policy
	}

	return json.MarshalIndent(clean, "", "  ")
}

func isManifestEmpty(m cleanManifestConfig) bool {
	return !m.DefaultAllowRead && !m.DefaultAllowWrite && !m.DefaultReport &&
		len(m.Entries) == 0 && len(m.AllowGlobs) == 0 && len(m.DenyGlobs) == 0 &&
		len(m.Translations) == 0 && !m.PlatformDefaults && !m.AllowGitConfig
}

func isCommandEmpty(c cleanCommandConfig) bool {
	return len(c.Deny) == 0 && c.UseDefaultDeniedCommands == nil
}

// FormatConfigForFile returns config JSON with optional header lines.
func FormatConfigForFile(cfg *PipConfig, opts FileWriteOptions) (string, error) {
	data, err := MarshalConfigJSON(cfg)
	if err != nil {
		return "", err
	}

	var output strings.Builder
	for _, line := range opts.HeaderLines {
		output.WriteString(line)
		output.WriteByte('\n')
	}
	output.Write(data)
	output.WriteByte('\n')

	return output.String(), nil
}

// WriteConfigFile writes a pip config to a file with optional header lines.
func WriteConfigFile(fsys afero.Fs, cfg *PipConfig, path string, opts FileWriteOptions) error {
	output, err := FormatConfigForFile(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := afero.WriteFile(fsys, path, []byte(output), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Load reads a JSONC pip-config document from path, strips comments via
// tidwall/jsonc, and unmarshals it into a PipConfig.
func Load(fsys afero.Fs, path string) (*PipConfig, error) {
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	stripped := jsonc.ToJSON(raw)

	var cfg PipConfig
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
