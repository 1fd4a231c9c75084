// Package sources holds per-bookseller scraping profiles: pool sizing,
// whether image loading is worth the bandwidth, and how long a page
// needs to settle before prices are readable. Defaults are compiled in;
// an external YAML file can override them and is hot-reloaded.
package sources

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so profiles can say "2s" in YAML.
type Duration time.Duration

// UnmarshalYAML parses either a Go duration string or a bare number of
// seconds. A string decode cannot distinguish the two (yaml happily
// renders the scalar 2 as "2"), so branch on the node tag instead.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	case "!!str":
		var s string
		if err := value.Decode(&s); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("duration must be a string or number, got %q", value.Value)
	}
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Profile configures scraping against one bookseller.
type Profile struct {
	// PoolSize is the dedicated session count for this source. Zero
	// means use the configured default.
	PoolSize int `yaml:"pool_size"`

	// LoadImages keeps image loading on. Most price pages render fine
	// without images, but some sellers hide prices behind lazy-loaded
	// widgets that stall when images are blocked.
	LoadImages bool `yaml:"load_images"`

	// SettleDelay is how long to wait after load before reading prices.
	SettleDelay Duration `yaml:"settle_delay"`

	// SearchURL is the ISBN search template, with %s for the ISBN.
	SearchURL string `yaml:"search_url"`
}

// File is the on-disk profile document.
type File struct {
	Sources map[string]Profile `yaml:"sources"`
}

// Validate checks that every profile is usable.
func (f *File) Validate() error {
	if len(f.Sources) == 0 {
		return fmt.Errorf("no sources defined")
	}
	for name, p := range f.Sources {
		if p.SearchURL == "" {
			return fmt.Errorf("source %s: search_url is required", name)
		}
		if p.PoolSize < 0 {
			return fmt.Errorf("source %s: pool_size must not be negative", name)
		}
		if p.SettleDelay < 0 {
			return fmt.Errorf("source %s: settle_delay must not be negative", name)
		}
	}
	return nil
}
