// Package projectconfig reads the project's INI-dialect configuration
// file: a [project] section with name, runtime, and region keys.
package projectconfig

import (
	"fmt"
	"strings"

	"github.com/cuemby/datallog-core/internal/corerr"
	"gopkg.in/ini.v1"
)

// Config is the decoded [project] section.
type Config struct {
	Name    string
	Runtime string
	Region  string
}

// RuntimeTag extracts the "<major.minor>" suffix of a "python-<major.minor>"
// runtime value, which is what names the runtimes/<tag> directory and the
// datallog-runtime-<tag> image.
func (c Config) RuntimeTag() (string, error) {
	const prefix = "python-"
	if !strings.HasPrefix(c.Runtime, prefix) {
		return "", fmt.Errorf("runtime %q is not of the form python-<major.minor>: %w", c.Runtime, corerr.ErrConfiguration)
	}
	return strings.TrimPrefix(c.Runtime, prefix), nil
}

// Load parses path as an INI file and extracts the [project] section.
func Load(path string) (Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("loading project config %s: %w", path, corerr.ErrConfiguration)
	}

	section, err := f.GetSection("project")
	if err != nil {
		return Config{}, fmt.Errorf("project config %s has no [project] section: %w", path, corerr.ErrConfiguration)
	}

	cfg := Config{
		Name:    section.Key("name").String(),
		Runtime: section.Key("runtime").String(),
		Region:  section.Key("region").String(),
	}
	if cfg.Name == "" || cfg.Runtime == "" {
		return Config{}, fmt.Errorf("project config %s is missing name or runtime: %w", path, corerr.ErrConfiguration)
	}
	return cfg, nil
}
