package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"keyflect/internal/keycode"
	"keyflect/internal/model"
)

func TestLoad_WritesAndUsesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	profile, ok := cfg.Profiles["AT Translated Set 2 keyboard"]
	require.True(t, ok)

	a := mustCode(t, "KEY_A")
	ctrl := mustCode(t, "KEY_LEFTCTRL")
	binding, ok := profile.Bindings[a]
	require.True(t, ok)
	assert.Equal(t, model.BindingDualFunction, binding.Kind)
	assert.Equal(t, ctrl, binding.Hold)
	assert.True(t, binding.HRM)
}

func TestLoad_IdempotentAcrossTwoParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	first, err := Load(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw rawConfig
	require.NoError(t, yaml.Unmarshal(data, &raw))
	second, err := ValidateConfig(&raw)
	require.NoError(t, err)

	assert.Equal(t, len(first.Profiles), len(second.Profiles))
	assert.Equal(t, first.HRMTermDefault, second.HRMTermDefault)
}

func TestValidateConfig_UnknownKeyNameFails(t *testing.T) {
	raw := &rawConfig{
		Keyboards: map[string]map[string]binding{
			"test": {"KEY_NOT_A_REAL_KEY": {Tap: "KEY_A"}},
		},
	}
	_, err := ValidateConfig(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateConfig_HRMWithoutHoldFails(t *testing.T) {
	raw := &rawConfig{
		Keyboards: map[string]map[string]binding{
			"test": {"KEY_A": {Tap: "KEY_A", HRM: true}},
		},
	}
	_, err := ValidateConfig(raw)
	require.Error(t, err)
}

func TestValidateConfig_LayerTriggerCannotCarryOwnBinding(t *testing.T) {
	raw := &rawConfig{
		Keyboards: map[string]map[string]binding{
			"test": {"KEY_RIGHTALT": {Tap: "KEY_RIGHTALT"}},
		},
		Layers: map[string]map[string]map[string]string{
			"Navigation": {"KEY_RIGHTALT": {"KEY_V": "KEY_UP"}},
		},
	}
	_, err := ValidateConfig(raw)
	require.Error(t, err)
}

func TestValidateConfig_LayerCannotRemapItsOwnTrigger(t *testing.T) {
	raw := &rawConfig{
		Layers: map[string]map[string]map[string]string{
			"Navigation": {"KEY_RIGHTALT": {"KEY_RIGHTALT": "KEY_UP"}},
		},
	}
	_, err := ValidateConfig(raw)
	require.Error(t, err)
}

func TestOutputKeycodes_UnionsBindingsAndLayers(t *testing.T) {
	cfg, err := ValidateConfig(ptr(Default()))
	require.NoError(t, err)

	codes := OutputKeycodes(cfg)
	set := make(map[keycode.Code]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}

	assert.True(t, set[mustCode(t, "KEY_LEFTCTRL")])
	assert.True(t, set[mustCode(t, "KEY_UP")])
	assert.True(t, set[mustCode(t, "KEY_BACKSLASH")])
}

func mustCode(t *testing.T, name string) keycode.Code {
	t.Helper()
	c, err := keycode.Lookup(name)
	require.NoError(t, err)
	return c
}

func ptr[T any](v T) *T { return &v }
