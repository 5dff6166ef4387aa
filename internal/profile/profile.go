// Package profile stores the user's mod list as a hand-editable YAML document.
//
// Keys the program does not know about are kept and written back unchanged,
// both at the document level and on each mod entry.
package profile

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrProfileCorrupt = errors.New("profile: corrupt profile document")
	ErrModNotFound    = errors.New("profile: mod not found")
	ErrModExists      = errors.New("profile: mod already exists")
	ErrInvalidMod     = errors.New("profile: invalid mod")
)

// VersionLatest selects the newest available version.
const VersionLatest = "latest"

var modIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Mod is one entry of the profile.
type Mod struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name,omitempty"`
	Source           string `yaml:"source"`
	Ref              string `yaml:"ref"`
	Version          string `yaml:"version,omitempty"`
	InstalledVersion string `yaml:"installed_version,omitempty"`
	Enabled          *bool  `yaml:"enabled,omitempty"`
	AssetPattern     string `yaml:"asset_pattern,omitempty"`
	AssetExclude     string `yaml:"asset_exclude,omitempty"`
	InstallPath      string `yaml:"install_path,omitempty"`
	Target           string `yaml:"target,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// IsEnabled reports the enabled flag. Entries without one are enabled.
func (m Mod) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// WantedVersion is the pinned version, or VersionLatest.
func (m Mod) WantedVersion() string {
	v := strings.TrimSpace(m.Version)
	if v == "" {
		return VersionLatest
	}
	return v
}

// DisplayName falls back to the id when no name is set.
func (m Mod) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Validate checks the fields every mod needs.
func (m Mod) Validate() error {
	if !modIDPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: id %q must be alphanumeric with . _ -", ErrInvalidMod, m.ID)
	}
	if m.Source == "" {
		return fmt.Errorf("%w: %s: source required", ErrInvalidMod, m.ID)
	}
	if strings.TrimSpace(m.Ref) == "" {
		return fmt.Errorf("%w: %s: ref required", ErrInvalidMod, m.ID)
	}
	if m.InstallPath != "" {
		p := filepath.FromSlash(strings.ReplaceAll(m.InstallPath, "\\", "/"))
		if !filepath.IsLocal(p) {
			return fmt.Errorf("%w: %s: install_path %q must stay inside the game directory", ErrInvalidMod, m.ID, m.InstallPath)
		}
	}
	return nil
}

// Document is the whole profile file.
type Document struct {
	Mods []Mod `yaml:"mods"`

	Extra map[string]any `yaml:",inline"`
}

func (d *Document) index(id string) int {
	for i := range d.Mods {
		if d.Mods[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns a pointer into the document, or nil.
func (d *Document) Find(id string) *Mod {
	if i := d.index(id); i >= 0 {
		return &d.Mods[i]
	}
	return nil
}

func (d *Document) validate() error {
	seen := make(map[string]struct{}, len(d.Mods))
	for _, m := range d.Mods {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate mod id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}
