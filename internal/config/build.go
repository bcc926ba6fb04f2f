package config

import (
	"fmt"

	"github.com/buildpip/pipsandbox/internal/classify"
	"github.com/buildpip/pipsandbox/internal/manifest"
	"github.com/buildpip/pipsandbox/internal/pathutil"
	"github.com/buildpip/pipsandbox/internal/translate"
)

// BuildManifest turns a ManifestConfig's JSON-level description into a
// frozen Policy Manifest, implementing the Controller-facing
// `build_manifest(entries, translations, default_policy)` contract.
func BuildManifest(mc ManifestConfig) (*manifest.Manifest, error) {
	canon := pathutil.New(nil)
	b := manifest.NewBuilder().WithDefaultPolicy(manifest.PolicyBits{
		AllowRead:  mc.DefaultAllowRead,
		AllowWrite: mc.DefaultAllowWrite,
		ReportAccess: mc.DefaultReport,
	})

	if mc.PlatformDefaults {
		b = b.WithPlatformDefaults(mc.AllowGitConfig)
	}

	for _, e := range mc.Entries {
		// "<dir>/**" is the glob spelling of a scope entry; "~" and relative
		// paths are resolved before they ever reach the canonicalizer, which
		// knows nothing about the invoking user's environment.
		raw, scoped := trimScopeSuffix(e.Path)
		p, err := canon.Canonicalize(ExpandConfigPath(raw), pathutil.CanonicalPath{})
		if err != nil {
			return nil, fmt.Errorf("config: manifest entry %q: %w", e.Path, err)
		}
		b = b.Add(manifest.PathPolicy{Path: p, Policy: manifest.PolicyBits{
			PolicyScope:        e.Scope || scoped,
			AllowRead:          e.AllowRead,
			AllowWrite:         e.AllowWrite,
			AllowProbe:         e.AllowProbe,
			AllowEnumerate:     e.AllowEnumerate,
			AllowSymlinkCreate: e.AllowSymlinkCreate,
			ReportAccess:       e.ReportAccess,
			ReportAllAccesses:  e.ReportAllAccesses,
		}})
	}

	for _, g := range mc.AllowGlobs {
		b = b.AllowGlob(ExpandConfigPath(g.Pattern), manifest.PolicyBits{
			AllowRead:          g.AllowRead,
			AllowWrite:         g.AllowWrite,
			AllowProbe:         g.AllowProbe,
			AllowEnumerate:     g.AllowEnumerate,
			AllowSymlinkCreate: g.AllowSymlinkCreate,
		})
	}
	for _, pattern := range mc.DenyGlobs {
		b = b.DenyGlob(ExpandConfigPath(pattern))
	}

	for _, t := range mc.Translations {
		from, err := canon.Canonicalize(ExpandConfigPath(t.From), pathutil.CanonicalPath{})
		if err != nil {
			return nil, fmt.Errorf("config: translation from %q: %w", t.From, err)
		}
		to, err := canon.Canonicalize(ExpandConfigPath(t.To), pathutil.CanonicalPath{})
		if err != nil {
			return nil, fmt.Errorf("config: translation to %q: %w", t.To, err)
		}
		b = b.WithTranslation(translate.Rule{From: from, To: to})
	}

	return b.Build(), nil
}

// BuildClassifier wires a pip's PolicyConfig and CommandConfig into an
// Access Classifier bound to m, resolving the configurable policy questions
// (fail_unexpected_file_accesses, existing_directory_probes_as_enumerations,
// probe_directory_symlink_as_directory) literally from the pip's own
// configuration rather than a fixed default. deniedExecutables is computed
// by the caller (sandbox.ResolveDeniedExecutables) since that resolution
// walks the host filesystem, a concern config intentionally stays free of.
func BuildClassifier(pip PipConfig, m *manifest.Manifest, deniedExecutables []pathutil.CanonicalPath) *classify.Classifier {
	return classify.New(m,
		classify.WithEnforceCreationPolicy(pip.Policy.EnforceCreationPolicy),
		classify.WithFailUnexpectedFileAccesses(pip.Policy.FailUnexpectedFileAccesses),
		classify.WithExistingDirectoryProbesAsEnumerations(pip.Policy.ExistingDirectoryProbesAsEnumerations),
		classify.WithProbeDirectorySymlinkAsDirectory(pip.Policy.ProbeDirectorySymlinkAsDirectory),
		classify.WithDeniedExecutables(deniedExecutables),
	)
}
