package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"keyflect/internal/keycode"
	"keyflect/internal/model"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors. It accumulates
// every problem found in one pass rather than stopping at the first, so a
// malformed config reports everything wrong with it in one error.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is the sentinel every ConfigInvalid failure wraps, so
// callers can test for the category with errors.Is without caring whether
// the failure was structural (schema) or semantic (ValidateConfig).
var ErrInvalidConfig = errors.New("config: invalid")

const defaultHRMTermMillis = 200

// ValidateConfig resolves a decoded rawConfig into an immutable
// model.Config: every KEY_* name against the static keycode table, every
// binding's shape, and every layer's trigger/remap consistency (spec
// §10.3 item 2). It accumulates a ValidationErrors rather than failing on
// the first problem.
func ValidateConfig(raw *rawConfig) (*model.Config, error) {
	var errs ValidationErrors

	hrmDefault := time.Duration(defaultHRMTermMillis) * time.Millisecond
	if raw.HRMTerm != nil {
		if *raw.HRMTerm <= 0 {
			errs = append(errs, ValidationError{Field: "hrm_term", Message: "must be positive"})
		} else {
			hrmDefault = time.Duration(*raw.HRMTerm) * time.Millisecond
		}
	}

	layers, layerErrs := resolveLayers(raw.Layers)
	errs = append(errs, layerErrs...)

	profiles := make(map[string]*model.Profile, len(raw.Keyboards))
	for deviceName, bindings := range raw.Keyboards {
		profile, profileErrs := resolveProfile(deviceName, bindings, layers, hrmDefault)
		errs = append(errs, profileErrs...)
		profiles[deviceName] = profile
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, errs.Error())
	}

	return &model.Config{
		NoEmit:         raw.NoEmit,
		HRMTermDefault: hrmDefault,
		Profiles:       profiles,
	}, nil
}

func resolveLayers(raw map[string]map[string]map[string]string) (map[string]model.Layer, ValidationErrors) {
	var errs ValidationErrors
	layers := make(map[string]model.Layer, len(raw))

	for name, triggerMap := range raw {
		if len(triggerMap) != 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("layers.%s", name),
				Message: fmt.Sprintf("must declare exactly one trigger key, found %d", len(triggerMap)),
			})
			continue
		}

		var triggerName string
		var remapRaw map[string]string
		for k, v := range triggerMap {
			triggerName, remapRaw = k, v
		}

		trigger, err := keycode.Lookup(triggerName)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("layers.%s.trigger", name),
				Message: err.Error(),
			})
			continue
		}

		remap := make(map[keycode.Code]keycode.Code, len(remapRaw))
		for sourceName, targetName := range remapRaw {
			source, err := keycode.Lookup(sourceName)
			if err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("layers.%s.%s", name, sourceName),
					Message: err.Error(),
				})
				continue
			}
			target, err := keycode.Lookup(targetName)
			if err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("layers.%s.%s", name, sourceName),
					Message: err.Error(),
				})
				continue
			}
			if source == trigger {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("layers.%s.%s", name, sourceName),
					Message: "a layer's trigger key cannot also be one of its own remap sources",
				})
				continue
			}
			remap[source] = target
		}

		layers[name] = model.Layer{Name: name, Trigger: trigger, Remap: remap}
	}

	// Layer triggers are never remapped by another layer (spec §4.2.1).
	triggers := make(map[keycode.Code]string, len(layers))
	for name, l := range layers {
		triggers[l.Trigger] = name
	}
	for name, l := range layers {
		for source := range l.Remap {
			if ownerName, ok := triggers[source]; ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("layers.%s", name),
					Message: fmt.Sprintf("remaps %s, which is the trigger for layer %q", keycode.Name(source), ownerName),
				})
			}
		}
	}

	return layers, errs
}

func resolveProfile(deviceName string, raw map[string]binding, layers map[string]model.Layer, hrmDefault time.Duration) (*model.Profile, ValidationErrors) {
	var errs ValidationErrors
	bindings := make(map[keycode.Code]model.Binding, len(raw))

	profileLayers := make([]model.Layer, 0, len(layers))
	for _, l := range layers {
		profileLayers = append(profileLayers, l)
	}

	layerTriggers := make(map[keycode.Code]string, len(layers))
	for name, l := range layers {
		layerTriggers[l.Trigger] = name
	}

	for keyName, b := range raw {
		key, err := keycode.Lookup(keyName)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("keyboards.%s.%s", deviceName, keyName),
				Message: err.Error(),
			})
			continue
		}

		if layerName, ok := layerTriggers[key]; ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("keyboards.%s.%s", deviceName, keyName),
				Message: fmt.Sprintf("is the trigger for layer %q and cannot also carry a binding", layerName),
			})
			continue
		}

		resolved, bindErrs := resolveBinding(deviceName, keyName, b, hrmDefault)
		errs = append(errs, bindErrs...)
		if len(bindErrs) == 0 {
			bindings[key] = resolved
		}
	}

	// Layer triggers get a synthetic LayerHold binding so the resolver's
	// binding-kind dispatch has somewhere to land; layerTrigger() in the
	// resolver checks Profile.Layers directly and never reaches this
	// binding, but keeping it populated documents intent and keeps
	// Profile.Lookup's pass-through default from masking a trigger key
	// that a caller queries directly.
	for name, l := range layers {
		if _, exists := bindings[l.Trigger]; !exists {
			bindings[l.Trigger] = model.Binding{Kind: model.BindingLayerHold, Layer: name}
		}
	}

	return &model.Profile{DeviceName: deviceName, Bindings: bindings, Layers: profileLayers}, errs
}

func resolveBinding(deviceName, keyName string, b binding, hrmDefault time.Duration) (model.Binding, ValidationErrors) {
	var errs ValidationErrors

	if b.Tap == "" {
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("keyboards.%s.%s.tap", deviceName, keyName),
			Message: "required",
		})
		return model.Binding{}, errs
	}
	tap, err := keycode.Lookup(b.Tap)
	if err != nil {
		errs = append(errs, ValidationError{Field: fmt.Sprintf("keyboards.%s.%s.tap", deviceName, keyName), Message: err.Error()})
	}

	if b.Hold == "" {
		if b.HRM || b.HRMTerm != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("keyboards.%s.%s", deviceName, keyName),
				Message: "hrm/hrm_term are meaningful only when hold is set",
			})
		}
		if len(errs) > 0 {
			return model.Binding{}, errs
		}
		return model.Binding{Kind: model.BindingPlain, Tap: tap}, nil
	}

	hold, err := keycode.Lookup(b.Hold)
	if err != nil {
		errs = append(errs, ValidationError{Field: fmt.Sprintf("keyboards.%s.%s.hold", deviceName, keyName), Message: err.Error()})
	}

	term := hrmDefault
	if b.HRMTerm != nil {
		if *b.HRMTerm <= 0 {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("keyboards.%s.%s.hrm_term", deviceName, keyName), Message: "must be positive"})
		} else {
			term = time.Duration(*b.HRMTerm) * time.Millisecond
		}
	}

	if len(errs) > 0 {
		return model.Binding{}, errs
	}

	return model.Binding{
		Kind:    model.BindingDualFunction,
		Tap:     tap,
		Hold:    hold,
		HRM:     b.HRM,
		HRMTerm: term,
	}, nil
}
