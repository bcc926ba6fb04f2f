// Package config loads and marshals pip definitions: the JSONC documents
// that describe what to run, the manifest entries that govern it, and the
// policy knobs left as per-pip configuration.
package config

import "fmt"

// ShellMode selects how an interactive launch picks its shell when a pip
// names no explicit executable.
type ShellMode int

const (
	// ShellDefault always uses bash, keeping interactive runs deterministic
	// across machines.
	ShellDefault ShellMode = iota
	// ShellUser uses the invoking user's $SHELL, subject to validation by
	// the launcher.
	ShellUser
)

// ParseShellMode maps a pip config's shell field onto a ShellMode. The
// empty string means ShellDefault.
func ParseShellMode(s string) (ShellMode, error) {
	switch s {
	case "", "default":
		return ShellDefault, nil
	case "user":
		return ShellUser, nil
	default:
		return 0, fmt.Errorf(`config: invalid shell mode %q (want "default" or "user")`, s)
	}
}

// DefaultDeniedCommands are single-token executables denied at process
// creation unless a pip config explicitly disables the default deny-list.
var DefaultDeniedCommands = []string{
	"curl",
	"wget",
	"nc",
	"ncat",
	"telnet",
	"ssh",
}

// PathPolicyConfig is one JSON-level manifest entry: an absolute path plus
// the Access-Policy Node bits that apply to it.
type PathPolicyConfig struct {
	Path               string `json:"path"`
	Scope              bool   `json:"scope,omitempty"`
	AllowRead          bool   `json:"allowRead,omitempty"`
	AllowWrite         bool   `json:"allowWrite,omitempty"`
	AllowProbe         bool   `json:"allowProbe,omitempty"`
	AllowEnumerate     bool   `json:"allowEnumerate,omitempty"`
	AllowSymlinkCreate bool   `json:"allowSymlinkCreate,omitempty"`
	ReportAccess       bool   `json:"reportAccess,omitempty"`
	ReportAllAccesses  bool   `json:"reportAllAccesses,omitempty"`
}

// GlobRuleConfig is a JSON-level AllowGlob entry: a glob-override layer
// that generalizes mandatory-deny-style patterns to also grant.
type GlobRuleConfig struct {
	Pattern            string `json:"pattern"`
	AllowRead          bool   `json:"allowRead,omitempty"`
	AllowWrite         bool   `json:"allowWrite,omitempty"`
	AllowProbe         bool   `json:"allowProbe,omitempty"`
	AllowEnumerate     bool   `json:"allowEnumerate,omitempty"`
	AllowSymlinkCreate bool   `json:"allowSymlinkCreate,omitempty"`
}

// TranslationConfig is one Directory Translator rule.
type TranslationConfig struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ManifestConfig is the JSON-level description of a Policy Manifest before
// it is built into the immutable trie.
type ManifestConfig struct {
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

// CommandConfig configures the Access Classifier's runtime executable
// deny-list.
type CommandConfig struct {
	Deny                     []string `json:"deny,omitempty"`
	UseDefaultDeniedCommands *bool    `json:"useDefaultDeniedCommands,omitempty"`
}

// UseDefaults reports whether the default deny-list should be merged in,
// defaulting to true when unset.
func (c CommandConfig) UseDefaults() bool {
	return c.UseDefaultDeniedCommands == nil || *c.UseDefaultDeniedCommands
}

// PolicyConfig carries the per-pip knobs left as deployment-specific
// policy questions, to be preserved literally rather than guessed at.
type PolicyConfig struct {
	FailUnexpectedFileAccesses            bool `json:"failUnexpectedFileAccesses,omitempty"`
	UnexpectedFileAccessesAreErrors       bool `json:"unexpectedFileAccessesAreErrors,omitempty"`
	EnforceCreationPolicy                 bool `json:"enforceCreationPolicy,omitempty"`
	ExistingDirectoryProbesAsEnumerations bool `json:"existingDirectoryProbesAsEnumerations,omitempty"`
	ProbeDirectorySymlinkAsDirectory      bool `json:"probeDirectorySymlinkAsDirectory,omitempty"`
}

// PipConfig is a single pip definition: a process invocation together
// with its manifest.
type PipConfig struct {
	Extends        string            `json:"extends,omitempty"`
	Executable     string            `json:"executable"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Shell          string            `json:"shell,omitempty"` // parsed via ParseShellMode; cmd/pipbox interactive mode
	Manifest       ManifestConfig    `json:"manifest"`
	Command        CommandConfig     `json:"command,omitempty"`
	Policy         PolicyConfig      `json:"policy,omitempty"`
}
