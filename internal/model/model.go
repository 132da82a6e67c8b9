// Package model holds the data types shared by the router, resolver, and
// both boundary adapters (spec §3). Nothing in this package does any
// decision-making; it is the vocabulary the rest of the module speaks.
package model

import (
	"fmt"
	"time"

	"keyflect/internal/keycode"
)

// KeyValue mirrors the evdev EV_KEY value field.
type KeyValue int

const (
	Up     KeyValue = 0
	Down   KeyValue = 1
	Repeat KeyValue = 2
)

func (v KeyValue) String() string {
	switch v {
	case Up:
		return "up"
	case Down:
		return "down"
	case Repeat:
		return "repeat"
	default:
		return fmt.Sprintf("KeyValue(%d)", int(v))
	}
}

// RawEvent is one physical key transition, time-stamped by the clock the
// Event Source Adapter was given. DeviceID identifies which resolver
// instance owns it; it is opaque to everything except the Router.
type RawEvent struct {
	DeviceID string
	Key      keycode.Code
	Value    KeyValue
	At       time.Time
}

// Timeout is a synthetic event the Clock delivers back into the same
// stream as RawEvent, identified by the TimerID the resolver scheduled it
// under (spec §2, "timeouts are delivered as synthetic events").
type Timeout struct {
	DeviceID string
	TimerID  uint64
	Key      keycode.Code
}

// ResolvedEvent is what the resolver hands to the Output Adapter.
type ResolvedEvent struct {
	Key   keycode.Code
	Value KeyValue
}

// BindingKind discriminates the KeyBinding variant (spec §3).
type BindingKind int

const (
	// BindingPlain passes a key through as another (or the same) key,
	// with no timing involved.
	BindingPlain BindingKind = iota
	// BindingDualFunction resolves to Tap or Hold via the resolver's
	// decision algorithm (spec §4.2.4).
	BindingDualFunction
	// BindingLayerHold routes subsequent keys through a layer's remap
	// table while held (spec §4.2.3).
	BindingLayerHold
)

// Binding describes what a physical key does. Only the fields relevant to
// Kind are meaningful; this mirrors the Rust prototype's tagged enum
// (original_source/src/config.rs RemapAction) more than it mirrors a Go
// interface, because the resolver needs to switch on Kind in the hot path
// and a closed set of three shapes does not earn a type-switch over
// interfaces.
type Binding struct {
	Kind BindingKind

	// Plain / DualFunction
	Tap keycode.Code

	// DualFunction only
	Hold    keycode.Code
	HRM     bool
	HRMTerm time.Duration // resolved: per-key override or global default

	// LayerHold only
	Layer string
}

// Layer is a named remap table plus the key that activates it.
type Layer struct {
	Name    string
	Trigger keycode.Code
	Remap   map[keycode.Code]keycode.Code
}

// Profile is one physical keyboard's configuration: its bindings and the
// layers its trigger keys may activate.
type Profile struct {
	DeviceName string
	Bindings   map[keycode.Code]Binding
	Layers     []Layer // in no particular order; stack discipline is by press order at runtime, not this order
}

// LayerByTrigger returns the layer whose trigger is key, if any.
func (p *Profile) LayerByTrigger(key keycode.Code) (Layer, bool) {
	for _, l := range p.Layers {
		if l.Trigger == key {
			return l, true
		}
	}
	return Layer{}, false
}

// Config is the fully-resolved, immutable configuration (spec §3, §5).
type Config struct {
	NoEmit          bool
	HRMTermDefault  time.Duration
	Profiles        map[string]*Profile // keyed by device name
}

// Lookup returns the binding for key on this profile, or the implicit
// Plain(key) pass-through when no entry exists (spec §4.2.1 step 3).
func (p *Profile) Lookup(key keycode.Code) Binding {
	if b, ok := p.Bindings[key]; ok {
		return b
	}
	return Binding{Kind: BindingPlain, Tap: key}
}
