package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	l := &Loader{Lookup: mapLookup(nil)}
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultVADThreshold, cfg.VADThreshold)
	assert.Equal(t, DefaultAllowBargeIn, cfg.AllowBargeIn)
	assert.Equal(t, DefaultRequirePhoneForFinal, cfg.RequirePhoneForFinal)
}

func TestLoadAppliesOverrides(t *testing.T) {
	l := &Loader{Lookup: mapLookup(map[string]string{
		"PORT":                    "9090",
		"ALLOW_BARGE_IN":          "false",
		"VAD_THRESHOLD":           "0.5",
		"REQUIRE_PHONE_FOR_FINAL": "true",
		"OPENING_SCRIPT":          "Hello, thanks for calling.",
	})}
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.AllowBargeIn)
	assert.Equal(t, 0.5, cfg.VADThreshold)
	assert.True(t, cfg.RequirePhoneForFinal)
	assert.Equal(t, "Hello, thanks for calling.", cfg.OpeningScript)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	l := &Loader{Lookup: mapLookup(map[string]string{"PORT": "70000"})}
	_, err := l.Load()
	assert.Error(t, err)
}
