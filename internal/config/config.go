package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the section/key configuration provider the supervisor and its
// managed services share. Files are TOML: one table per service section plus
// the reserved "arm" and "paths" sections. Keys are case-insensitive.
type Config struct {
	v    *viper.Viper
	path string
}

// New returns an empty configuration, useful for tests and embedding.
func New() *Config {
	return &Config{v: viper.New()}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return &Config{v: v, path: path}, nil
}

// Path returns the file this configuration was loaded from, if any.
func (c *Config) Path() string { return c.path }

// Set overrides a single value. Intended for defaults and tests.
func (c *Config) Set(section, key, value string) {
	c.v.Set(section+"."+key, value)
}

// Sections lists all top-level sections in no particular order.
func (c *Config) Sections() []string {
	all := c.v.AllSettings()
	out := make([]string, 0, len(all))
	for name, val := range all {
		if _, ok := val.(map[string]interface{}); ok {
			out = append(out, name)
		}
	}
	return out
}

// Has reports whether section/key is present.
func (c *Config) Has(section, key string) bool {
	return c.v.IsSet(section + "." + key)
}

// GetString returns the value for section/key and whether it was set.
func (c *Config) GetString(section, key string) (string, bool) {
	k := section + "." + key
	if !c.v.IsSet(k) {
		return "", false
	}
	return c.v.GetString(k), true
}

// GetInt parses section/key as an integer.
func (c *Config) GetInt(section, key string) (int, bool) {
	s, ok := c.GetString(section, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// YesNo interprets section/key as a boolean. Accepts YES/NO (any case),
// true/false and 1/0; anything else and absence count as no.
func (c *Config) YesNo(section, key string) bool {
	s, ok := c.GetString(section, key)
	if !ok {
		return false
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "TRUE", "1", "ON":
		return true
	}
	return false
}

// Duration parses section/key in Go duration syntax, with a bare number
// treated as milliseconds.
func (c *Config) Duration(section, key string) (time.Duration, bool) {
	s, ok := c.GetString(section, key)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// maxExpandDepth caps nested path references. A cycle in the paths section
// stops expanding at the cap and leaves the reference literal.
const maxExpandDepth = 16

// Expand substitutes $VAR and ${VAR} references. Variables resolve against
// the "paths" section first, then the process environment. Unknown variables
// expand to the empty string.
func (c *Config) Expand(s string) string {
	return c.expand(s, 0)
}

func (c *Config) expand(s string, depth int) string {
	if depth > maxExpandDepth || !strings.ContainsRune(s, '$') {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := c.GetString("paths", name); ok {
			return c.expand(v, depth+1)
		}
		return os.Getenv(name)
	})
}

// Filename returns the $-expanded value of section/key.
func (c *Config) Filename(section, key string) (string, bool) {
	s, ok := c.GetString(section, key)
	if !ok {
		return "", false
	}
	return c.Expand(s), true
}
