// Package outputdevice is the Output Adapter (spec §4.4): it owns the one
// virtual uinput keyboard every resolved event is written to, regardless
// of which physical device produced it, and honors no_emit (spec §4.2.6)
// by tracking state without ever touching the wire.
package outputdevice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jbensmann/uinput"

	"keyflect/internal/keycode"
	"keyflect/internal/logging"
	"keyflect/internal/model"
)

// ErrWriteFailed is the OutputFailure sentinel (spec §7, §10.2). New
// returns it wrapped when the virtual keyboard cannot be created. A failed
// KeyDown/KeyUp during Emit is wrapped in it, logged, and not returned to
// any caller; the process keeps running.
var ErrWriteFailed = errors.New("outputdevice: write failed")

const devicePath = "/dev/uinput"

// Device is the single virtual keyboard every Profile's resolved events
// are written to. It is safe for concurrent use: every device's event
// loop goroutine calls Emit independently, so writes are serialized
// behind mu the same way the teacher serializes access to its one shared
// hardware handle.
type Device struct {
	mu     sync.Mutex
	kb     uinput.Keyboard
	noEmit bool
	log    *slog.Logger

	pressed map[keycode.Code]bool // diagnostic only; never read for a decision
}

// New creates the virtual keyboard with the key set uinput.CreateKeyboard
// registers; codes is not passed to the device and is used only for the
// key count in the startup log line. If noEmit is set (spec §4.2.6, dry-run/diagnostic
// mode), no uinput device is opened at all — Emit only updates the
// diagnostic pressed set and logs what it would have sent.
func New(name string, codes []keycode.Code, noEmit bool, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = logging.Discard()
	}
	d := &Device{noEmit: noEmit, log: log, pressed: make(map[keycode.Code]bool)}
	if noEmit {
		log.Info("outputdevice: no_emit active, virtual keyboard not created")
		return d, nil
	}

	kb, err := uinput.CreateKeyboard(devicePath, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrWriteFailed, devicePath, err)
	}
	d.kb = kb
	log.Info("outputdevice: virtual keyboard online", "name", name, "keys", len(codes))
	return d, nil
}

// Emit writes a batch of ResolvedEvents in order (spec §4.4: "a batch from
// one resolved RawEvent or Timeout is one logical unit, but the wire
// protocol has no grouping of its own" — each Down/Up is its own
// KeyDown/KeyUp call, same as the teacher's hardware writer does for
// every distinct state change it pushes out). A write failure is logged
// and the batch continues; Emit returns nothing, so the caller is not
// told about the failure.
func (d *Device) Emit(events []model.ResolvedEvent) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ev := range events {
		switch ev.Value {
		case model.Down, model.Repeat:
			d.pressed[ev.Key] = true
		case model.Up:
			delete(d.pressed, ev.Key)
		}

		if d.noEmit {
			d.log.Debug("outputdevice: no_emit suppressed write", "key", keycode.Name(ev.Key), "value", ev.Value)
			continue
		}

		if err := d.write(ev); err != nil {
			d.log.Warn("outputdevice: write failed", "key", keycode.Name(ev.Key), "value", ev.Value, "err", err)
			continue
		}
		d.log.Debug("outputdevice: wrote", "key", keycode.Name(ev.Key), "value", ev.Value)
	}
}

func (d *Device) write(ev model.ResolvedEvent) error {
	switch ev.Value {
	case model.Down:
		return wrapErr(d.kb.KeyDown(int(ev.Key)))
	case model.Up:
		return wrapErr(d.kb.KeyUp(int(ev.Key)))
	case model.Repeat:
		// uinput has no repeat primitive of its own; the kernel's input
		// core re-synthesizes repeats from a held key on its own, so a
		// Repeat resolved event needs no extra write here (spec §4.4,
		// "repeat is a pass-through, not a re-press").
		return nil
	default:
		return nil
	}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrWriteFailed, err)
}

// Close releases every key this Device still believes is pressed (spec
// §7 clean shutdown) and closes the underlying uinput handle.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.noEmit {
		return
	}
	for key := range d.pressed {
		if err := d.kb.KeyUp(int(key)); err != nil {
			d.log.Warn("outputdevice: release on close failed", "key", keycode.Name(key), "err", err)
		}
	}
	d.kb.Close()
}
