// Package keycode resolves the Linux KEY_* name space used in
// configuration files to the integer evdev.EvCode that identifies a key
// on the wire, and back for diagnostics. Codes are treated as opaque by
// every other package; this is the one place the mapping is spelled out.
package keycode

import (
	"fmt"

	evdev "github.com/holoplot/go-evdev"
)

// Code is the opaque physical/virtual key identifier used throughout this
// module. It is exactly evdev.EvCode — a distinct name would just be a cast
// at every boundary, which the teacher's own device code avoids.
type Code = evdev.EvCode

// byName holds every KEY_* identifier a configuration file may reference.
// It is not exhaustive of the kernel's input-event-codes.h, only of the
// keys a remapper's config realistically targets: letters, digits, the
// standard modifiers (including left/right variants, since HRM bindings
// are per-side), punctuation, navigation, and function keys.
var byName = map[string]Code{
	"KEY_A": evdev.KEY_A, "KEY_B": evdev.KEY_B, "KEY_C": evdev.KEY_C,
	"KEY_D": evdev.KEY_D, "KEY_E": evdev.KEY_E, "KEY_F": evdev.KEY_F,
	"KEY_G": evdev.KEY_G, "KEY_H": evdev.KEY_H, "KEY_I": evdev.KEY_I,
	"KEY_J": evdev.KEY_J, "KEY_K": evdev.KEY_K, "KEY_L": evdev.KEY_L,
	"KEY_M": evdev.KEY_M, "KEY_N": evdev.KEY_N, "KEY_O": evdev.KEY_O,
	"KEY_P": evdev.KEY_P, "KEY_Q": evdev.KEY_Q, "KEY_R": evdev.KEY_R,
	"KEY_S": evdev.KEY_S, "KEY_T": evdev.KEY_T, "KEY_U": evdev.KEY_U,
	"KEY_V": evdev.KEY_V, "KEY_W": evdev.KEY_W, "KEY_X": evdev.KEY_X,
	"KEY_Y": evdev.KEY_Y, "KEY_Z": evdev.KEY_Z,

	"KEY_0": evdev.KEY_0, "KEY_1": evdev.KEY_1, "KEY_2": evdev.KEY_2,
	"KEY_3": evdev.KEY_3, "KEY_4": evdev.KEY_4, "KEY_5": evdev.KEY_5,
	"KEY_6": evdev.KEY_6, "KEY_7": evdev.KEY_7, "KEY_8": evdev.KEY_8,
	"KEY_9": evdev.KEY_9,

	"KEY_F1": evdev.KEY_F1, "KEY_F2": evdev.KEY_F2, "KEY_F3": evdev.KEY_F3,
	"KEY_F4": evdev.KEY_F4, "KEY_F5": evdev.KEY_F5, "KEY_F6": evdev.KEY_F6,
	"KEY_F7": evdev.KEY_F7, "KEY_F8": evdev.KEY_F8, "KEY_F9": evdev.KEY_F9,
	"KEY_F10": evdev.KEY_F10, "KEY_F11": evdev.KEY_F11, "KEY_F12": evdev.KEY_F12,

	"KEY_LEFTSHIFT": evdev.KEY_LEFTSHIFT, "KEY_RIGHTSHIFT": evdev.KEY_RIGHTSHIFT,
	"KEY_LEFTCTRL": evdev.KEY_LEFTCTRL, "KEY_RIGHTCTRL": evdev.KEY_RIGHTCTRL,
	"KEY_LEFTALT": evdev.KEY_LEFTALT, "KEY_RIGHTALT": evdev.KEY_RIGHTALT,
	"KEY_LEFTMETA": evdev.KEY_LEFTMETA, "KEY_RIGHTMETA": evdev.KEY_RIGHTMETA,

	"KEY_SPACE": evdev.KEY_SPACE, "KEY_TAB": evdev.KEY_TAB,
	"KEY_ENTER": evdev.KEY_ENTER, "KEY_ESC": evdev.KEY_ESC,
	"KEY_BACKSPACE": evdev.KEY_BACKSPACE, "KEY_CAPSLOCK": evdev.KEY_CAPSLOCK,
	"KEY_DELETE": evdev.KEY_DELETE, "KEY_INSERT": evdev.KEY_INSERT,

	"KEY_UP": evdev.KEY_UP, "KEY_DOWN": evdev.KEY_DOWN,
	"KEY_LEFT": evdev.KEY_LEFT, "KEY_RIGHT": evdev.KEY_RIGHT,
	"KEY_HOME": evdev.KEY_HOME, "KEY_END": evdev.KEY_END,
	"KEY_PAGEUP": evdev.KEY_PAGEUP, "KEY_PAGEDOWN": evdev.KEY_PAGEDOWN,

	"KEY_MINUS": evdev.KEY_MINUS, "KEY_EQUAL": evdev.KEY_EQUAL,
	"KEY_LEFTBRACE": evdev.KEY_LEFTBRACE, "KEY_RIGHTBRACE": evdev.KEY_RIGHTBRACE,
	"KEY_BACKSLASH": evdev.KEY_BACKSLASH, "KEY_SEMICOLON": evdev.KEY_SEMICOLON,
	"KEY_APOSTROPHE": evdev.KEY_APOSTROPHE, "KEY_GRAVE": evdev.KEY_GRAVE,
	"KEY_COMMA": evdev.KEY_COMMA, "KEY_DOT": evdev.KEY_DOT,
	"KEY_SLASH": evdev.KEY_SLASH,
}

var byCode map[Code]string

func init() {
	byCode = make(map[Code]string, len(byName))
	for name, code := range byName {
		byCode[code] = name
	}
}

// Lookup resolves a KEY_* name to its evdev code. It is the only entry
// point config.Load uses to turn YAML strings into Code values, so every
// unresolvable name surfaces as the same error shape regardless of which
// config field it came from.
func Lookup(name string) (Code, error) {
	code, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("keycode: unknown key name %q", name)
	}
	return code, nil
}

// Name returns the canonical KEY_* name for code, or a numeric fallback
// for codes outside the static table (still valid on the wire, just not
// one this table names — e.g. multimedia keys nobody binds yet).
func Name(code Code) string {
	if name, ok := byCode[code]; ok {
		return name
	}
	return fmt.Sprintf("KEY_%d", uint16(code))
}

// IsModifier reports whether code is one of the eight standard modifier
// keys. No other package in this module calls it; it has no effect on the
// resolver's decisions.
func IsModifier(code Code) bool {
	switch code {
	case evdev.KEY_LEFTSHIFT, evdev.KEY_RIGHTSHIFT,
		evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL,
		evdev.KEY_LEFTALT, evdev.KEY_RIGHTALT,
		evdev.KEY_LEFTMETA, evdev.KEY_RIGHTMETA:
		return true
	default:
		return false
	}
}
