package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	yaml "gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned when no file backs a profile name.
var ErrProfileNotFound = errors.New("profile not found")

var profileExts = []string{".yaml", ".yml", ".json"}

// ValidateProfileName restricts names to [A-Za-z0-9_-], at most 64 bytes.
func ValidateProfileName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid profile name: empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("invalid profile name: too long (max 64 characters)")
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return fmt.Errorf("invalid profile name %q: use only letters, digits, _ and -", name)
		}
	}
	return nil
}

// ProfilePath finds the file for name in dir, trying .yaml, .yml and .json.
func ProfilePath(dir, name string) (string, error) {
	if err := ValidateProfileName(name); err != nil {
		return "", err
	}
	for _, ext := range profileExts {
		p := filepath.Join(dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrProfileNotFound, name, dir)
}

// LoadProfile reads and validates the named profile from dir.
func LoadProfile(dir, name string) (RuleSet, ValidationResult, error) {
	path, err := ProfilePath(dir, name)
	if err != nil {
		return RuleSet{}, ValidationResult{}, err
	}
	return LoadFromFile(path)
}

// LoadFromFile decodes a rule set from YAML or JSON. Unknown fields are
// rejected; missing rule IDs are generated. The returned error is non-nil
// when the file is unreadable or the rule set fails Validate.
func LoadFromFile(path string) (RuleSet, ValidationResult, error) {
	securePath := filepath.Clean(path)
	data, err := os.ReadFile(securePath) // #nosec G304 -- profile path is built from a validated name
	if err != nil {
		return RuleSet{}, ValidationResult{}, fmt.Errorf("failed to read profile: %w", err)
	}

	rs := New()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, ValidationResult{}, fmt.Errorf("failed to parse profile %s: %w", filepath.Base(path), err)
	}
	if rs.Settings.EgressProfile == "" {
		rs.Settings.EgressProfile = EgressDesktop
	}
	for i := range rs.Rules {
		if rs.Rules[i].ID == uuid.Nil {
			rs.Rules[i].ID = uuid.New()
		}
	}

	result := Validate(rs)
	if !result.Valid {
		return rs, result, fmt.Errorf("profile validation failed: %w", result.Err())
	}
	return rs, result, nil
}

// ListProfiles returns the sorted, de-duplicated profile names in dir. A
// missing directory yields an empty list.
func ListProfiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		name := strings.TrimSuffix(e.Name(), ext)
		if !contains(profileExts, ext) || ValidateProfileName(name) != nil || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
