package config

// rawConfig is the direct YAML decode target (spec §6). Nothing here is
// resolved against the keycode table yet; that happens in ValidateConfig,
// which turns this into a *model.Config.
type rawConfig struct {
	NoEmit    bool                                    `yaml:"no_emit"`
	HRMTerm   *int                                    `yaml:"hrm_term"`
	Keyboards map[string]map[string]binding           `yaml:"keyboards"`
	Layers    map[string]map[string]map[string]string `yaml:"layers"`
}

// binding is one entry of a keyboard's key_bindings map. Whether it
// decodes to Plain or DualFunction depends only on whether Hold is set
// (spec §6: "hold: optional; if present → DualFunction").
type binding struct {
	Tap     string `yaml:"tap"`
	Hold    string `yaml:"hold,omitempty"`
	HRM     bool   `yaml:"hrm,omitempty"`
	HRMTerm *int   `yaml:"hrm_term,omitempty"`
}
