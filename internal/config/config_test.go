package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSectionsAndKeys(t *testing.T) {
	path := writeConfig(t, `
[arm]
PORT = "2087"
START_SYSTEM_SERVICES = "YES"

[resolver]
BINARY = "/usr/bin/resolver"
START_ON_DEMAND = "YES"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.ElementsMatch(t, []string{"arm", "resolver"}, cfg.Sections())

	v, ok := cfg.GetString("resolver", "BINARY")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/resolver", v)

	_, ok = cfg.GetString("resolver", "MISSING")
	assert.False(t, ok)

	port, ok := cfg.GetInt("arm", "PORT")
	require.True(t, ok)
	assert.Equal(t, 2087, port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestKeysAreCaseInsensitive(t *testing.T) {
	cfg := New()
	cfg.Set("resolver", "BINARY", "/bin/true")
	v, ok := cfg.GetString("resolver", "binary")
	require.True(t, ok)
	assert.Equal(t, "/bin/true", v)
}

func TestYesNo(t *testing.T) {
	cfg := New()
	for _, s := range []string{"YES", "yes", "TRUE", "1", "on", " yes "} {
		cfg.Set("s", "K", s)
		assert.True(t, cfg.YesNo("s", "K"), "value %q", s)
	}
	for _, s := range []string{"NO", "false", "0", "maybe", ""} {
		cfg.Set("s", "K", s)
		assert.False(t, cfg.YesNo("s", "K"), "value %q", s)
	}
	assert.False(t, cfg.YesNo("s", "ABSENT"))
}

func TestDuration(t *testing.T) {
	cfg := New()

	cfg.Set("s", "D", "250")
	d, ok := cfg.Duration("s", "D")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	cfg.Set("s", "D", "5s")
	d, ok = cfg.Duration("s", "D")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	cfg.Set("s", "D", "soon")
	_, ok = cfg.Duration("s", "D")
	assert.False(t, ok)

	_, ok = cfg.Duration("s", "ABSENT")
	assert.False(t, ok)
}

func TestExpandPathsThenEnv(t *testing.T) {
	t.Setenv("ARM_TEST_HOME", "/from-env")
	cfg := New()
	cfg.Set("paths", "DATADIR", "$RUNDIR/data")
	cfg.Set("paths", "RUNDIR", "/run/arm")

	assert.Equal(t, "/run/arm/data/db", cfg.Expand("$DATADIR/db"))
	assert.Equal(t, "/from-env/x", cfg.Expand("$ARM_TEST_HOME/x"))
	assert.Equal(t, "/plain", cfg.Expand("/plain"))
	assert.Equal(t, "/", cfg.Expand("/$ARM_TEST_UNDEFINED"))
}

func TestExpandCyclicReference(t *testing.T) {
	cfg := New()
	cfg.Set("paths", "LOOP", "$LOOP/x")
	cfg.Set("paths", "PING", "$PONG")
	cfg.Set("paths", "PONG", "$PING")

	// A cycle in the paths section must terminate, not blow the stack;
	// the unresolvable reference survives literally.
	assert.Contains(t, cfg.Expand("$LOOP"), "$LOOP")
	assert.Contains(t, cfg.Expand("$PING"), "$P")
}

func TestFilename(t *testing.T) {
	cfg := New()
	cfg.Set("paths", "RUNDIR", "/run/arm")
	cfg.Set("resolver", "UNIXPATH", "${RUNDIR}/resolver.sock")

	v, ok := cfg.Filename("resolver", "UNIXPATH")
	require.True(t, ok)
	assert.Equal(t, "/run/arm/resolver.sock", v)

	_, ok = cfg.Filename("resolver", "ABSENT")
	assert.False(t, ok)
}
