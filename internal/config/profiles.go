package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// Profile fixes the upstream paths for one deployment of the B3 API.
type Profile struct {
	Name            string `yaml:"-"`
	HealthcheckPath string `yaml:"healthcheck_path"`
	GuiaPath        string `yaml:"guia_path"`

	// EnrollmentBaseURL is the alternate host serving the enrollment
	// operation. B3_ENROLLMENT_BASE_URL overrides it.
	EnrollmentBaseURL string `yaml:"enrollment_base_url"`
	EnrollmentPath    string `yaml:"enrollment_path"`
}

type profilesFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfiles returns the built-in profiles, overlaid with the profiles
// defined in path when path is non-empty. A profile in the file replaces
// the built-in profile of the same name entirely.
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles, err := parseProfiles(defaultProfiles)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in profiles: %w", err)
	}

	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	extra, err := parseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for name, p := range extra {
		profiles[name] = p
	}

	return profiles, nil
}

func parseProfiles(data []byte) (map[string]Profile, error) {
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	out := make(map[string]Profile, len(f.Profiles))

	for name, p := range f.Profiles {
		p.Name = name
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}

		out[name] = p
	}

	return out, nil
}

func (p Profile) validate() error {
	for field, path := range map[string]string{
		"healthcheck_path": p.HealthcheckPath,
		"guia_path":        p.GuiaPath,
		"enrollment_path":  p.EnrollmentPath,
	} {
		if path == "" {
			return fmt.Errorf("%s is required", field)
		}

		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/'", field)
		}
	}

	if p.EnrollmentBaseURL != "" {
		if err := validateURL(p.EnrollmentBaseURL); err != nil {
			return fmt.Errorf("enrollment_base_url: %w", err)
		}
	}

	return nil
}

func profileNames(profiles map[string]Profile) string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}
