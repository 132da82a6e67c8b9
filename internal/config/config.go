// Package config loads and validates keyflectd's YAML configuration (spec
// §6, §10.3). Loading is a three-stage pipeline: decode, structural
// (jsonschema) validation, then semantic (ValidateConfig) resolution into
// an immutable model.Config. Nothing downstream of Load ever sees the raw
// YAML shape again.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"keyflect/internal/keycode"
	"keyflect/internal/model"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config-v1.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: embedded schema is malformed: %v", err))
	}
	schema, err := compiler.Compile("config-v1.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema failed to compile: %v", err))
	}
	compiledSchema = schema
}

// DefaultAppName is used to build the default config path when the caller
// does not override it; the binary may be invoked under a different
// project name, so Load accepts an explicit path too.
const DefaultAppName = "keyflectd"

// Path returns the default config file location for appName, honoring
// $XDG_CONFIG_HOME the way the teacher's own path resolution does.
func Path(appName string) (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName, "config.yml"), nil
}

// Load reads path, or writes and uses a default config if path does not
// exist yet (spec §10.3: "never failing a fresh install"). The returned
// Config is immutable; nothing in this package mutates it after return.
func Load(path string) (*model.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = writeDefault(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	if err := validateSchema(data, path); err != nil {
		return nil, err
	}

	return ValidateConfig(&raw)
}

// validateSchema decodes data generically (the same bytes ValidateConfig's
// caller already parsed into rawConfig) and runs it through the embedded
// jsonschema, catching shape problems — unknown fields, wrong types,
// missing `tap` — before semantic resolution ever touches a KEY_* name.
func validateSchema(data []byte, path string) error {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	// jsonschema expects JSON-native types (float64 for numbers, plain
	// maps/slices); round-tripping through encoding/json is the simplest
	// way to get there from yaml.v3's decode, the same approach the
	// teacher's schema test takes with a JSON fixture rather than YAML.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("%w: re-encode %s: %v", ErrInvalidConfig, path, err)
	}
	var instance interface{}
	if err := json.Unmarshal(asJSON, &instance); err != nil {
		return fmt.Errorf("%w: re-decode %s: %v", ErrInvalidConfig, path, err)
	}

	if err := compiledSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// writeDefault creates path's parent directory and writes Default()'s
// YAML rendering, mirroring the teacher's never-fail-a-fresh-install
// loader idiom; it returns the bytes it wrote so the caller can proceed
// without a second read.
func writeDefault(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("render default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return data, nil
}

// Default returns the home-row-mod layout transliterated from
// original_source/src/config.rs's default_mappings/default_layers: A/S/D
// on the left hand and SEMICOLON/L/K on the right mirror Ctrl/Meta/Alt as
// home-row mods, SPACE doubles as Shift when held, CAPSLOCK becomes
// Backspace, and LEFTSHIFT itself becomes Escape (the classic
// caps-escape swap, with the physical Shift key relocated to Space).
// RIGHTALT activates a vim-arrows Navigation layer, LEFTALT a small
// Symbols layer. hrm is set true on every home-row mod here — the Rust
// prototype leaves it unset on these entries, but the whole point of a
// home-row mod is the fast-roll guard, so the transliteration enables it.
func Default() rawConfig {
	hrmTerm := 144
	leftHRM := func(tap, hold string) binding {
		return binding{Tap: tap, Hold: hold, HRM: true, HRMTerm: &hrmTerm}
	}

	return rawConfig{
		NoEmit:  false,
		HRMTerm: &hrmTerm,
		Keyboards: map[string]map[string]binding{
			"AT Translated Set 2 keyboard": {
				"KEY_SPACE":     {Tap: "KEY_SPACE", Hold: "KEY_LEFTSHIFT"},
				"KEY_LEFTSHIFT": {Tap: "KEY_ESC"},
				"KEY_CAPSLOCK":  {Tap: "KEY_BACKSPACE"},
				"KEY_A":         leftHRM("KEY_A", "KEY_LEFTCTRL"),
				"KEY_S":         leftHRM("KEY_S", "KEY_LEFTMETA"),
				"KEY_D":         leftHRM("KEY_D", "KEY_LEFTALT"),
				"KEY_SEMICOLON": leftHRM("KEY_SEMICOLON", "KEY_RIGHTCTRL"),
				"KEY_L":         leftHRM("KEY_L", "KEY_RIGHTMETA"),
				"KEY_K":         leftHRM("KEY_K", "KEY_RIGHTALT"),
				"KEY_BACKSPACE": {Tap: "KEY_BACKSPACE"},
			},
		},
		Layers: map[string]map[string]map[string]string{
			"Navigation": {
				"KEY_RIGHTALT": {
					"KEY_J": "KEY_LEFT",
					"KEY_C": "KEY_DOWN",
					"KEY_V": "KEY_UP",
					"KEY_P": "KEY_RIGHT",
				},
			},
			"Symbols": {
				"KEY_LEFTALT": {
					"KEY_S": "KEY_MINUS",
					"KEY_L": "KEY_EQUAL",
					"KEY_G": "KEY_LEFTBRACE",
					"KEY_H": "KEY_BACKSLASH",
				},
			},
		},
	}
}

// OutputKeycodes returns the union of every KeyCode that may appear on the
// output side of cfg — every binding's tap/hold and every layer's remap
// target — for the Output Adapter to advertise when it creates the
// virtual keyboard (spec §4.4).
func OutputKeycodes(cfg *model.Config) []keycode.Code {
	seen := make(map[keycode.Code]struct{})
	add := func(c keycode.Code) { seen[c] = struct{}{} }

	for _, profile := range cfg.Profiles {
		for _, b := range profile.Bindings {
			switch b.Kind {
			case model.BindingPlain:
				add(b.Tap)
			case model.BindingDualFunction:
				add(b.Tap)
				add(b.Hold)
			}
		}
		for _, layer := range profile.Layers {
			for _, target := range layer.Remap {
				add(target)
			}
		}
	}

	out := make([]keycode.Code, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

