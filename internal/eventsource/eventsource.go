// Package eventsource is the Event Source Adapter (spec §4.3): it finds a
// physical keyboard by configured device name, opens and exclusively
// grabs it, and runs the per-device event loop that feeds the Router and
// drains the matching Resolver's timeout signals — the one goroutine
// spec §5 assigns to each device.
package eventsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"

	"keyflect/internal/clock"
	"keyflect/internal/keycode"
	"keyflect/internal/logging"
	"keyflect/internal/model"
	"keyflect/internal/router"
)

// ErrUnavailable is the DeviceUnavailable sentinel (spec §7): the caller
// logs it and skips that device, other devices continue.
var ErrUnavailable = errors.New("eventsource: device unavailable")

// Sink is how a device's event loop hands resolved events to the Output
// Adapter. It is called with every batch OnEvent/OnTimeout/Shutdown
// produces, already in emission order; implementations must not block
// indefinitely, since a blocked Sink stalls that device's reads.
type Sink func(events []model.ResolvedEvent)

// findByName opens every enumerable input device until it finds one whose
// Name matches deviceName, closing the rest. It returns ErrUnavailable if
// none matches or the match can't be opened/grabbed.
func findByName(deviceName string) (*evdev.InputDevice, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: list input devices: %v", ErrUnavailable, deviceName, err)
	}

	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		name, err := dev.Name()
		if err != nil || !strings.EqualFold(name, deviceName) {
			dev.Close()
			continue
		}
		if err := dev.Grab(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("%w: %s: grab %s: %v (%s)", ErrUnavailable, deviceName, p.Path, err, groupHint(p.Path))
		}
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %s: no matching device found", ErrUnavailable, deviceName)
}

// groupHint stats the device node's owning group and checks it against the
// process's supplementary groups, to turn a bare EVIOCGRAB permission
// failure into an actionable message instead of a bare errno.
func groupHint(path string) string {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "unable to stat device node to diagnose permissions"
	}
	groups, err := os.Getgroups()
	if err != nil {
		return "unable to read process groups to diagnose permissions"
	}
	for _, g := range groups {
		if uint32(g) == st.Gid {
			return "process is in the device's group; grab failed for another reason"
		}
	}
	return fmt.Sprintf("process is not in group %d that owns %s; add it to the input group and re-login", st.Gid, path)
}

// Run opens deviceName, grabs it, and processes its events until ctx is
// cancelled or the device disappears. It is meant to run in its own
// goroutine; one call per physical keyboard (spec §5).
func Run(ctx context.Context, deviceName string, rt *router.Router, clk clock.Clock, sink Sink, log *slog.Logger) error {
	if log == nil {
		log = logging.Discard()
	}

	dev, err := findByName(deviceName)
	if err != nil {
		return err
	}
	defer dev.Close()

	if !rt.EnsureResolver(deviceName) {
		return fmt.Errorf("eventsource: %s: no configured profile", deviceName)
	}

	rawCh := make(chan *evdev.InputEvent, 64)
	readErrCh := make(chan error, 1)
	go readLoop(dev, rawCh, readErrCh)

	log.Info("eventsource: device online", "device", deviceName)

	for {
		select {
		case <-ctx.Done():
			sink(rt.DispatchShutdown(deviceName))
			return nil

		case err := <-readErrCh:
			sink(rt.DispatchShutdown(deviceName))
			return fmt.Errorf("%w: %s: read: %v", ErrUnavailable, deviceName, err)

		case raw, ok := <-rawCh:
			if !ok {
				continue
			}
			if raw.Type != evdev.EV_KEY {
				continue
			}
			value, ok := keyValue(raw.Value)
			if !ok {
				continue
			}
			ev := model.RawEvent{DeviceID: deviceName, Key: raw.Code, Value: value, At: clk.Now()}
			out := rt.Dispatch(ev)
			if len(out) > 0 {
				log.Debug("eventsource: resolved", "device", deviceName, "key", keycode.Name(raw.Code), "n", len(out))
			}
			sink(out)

		case sig := <-rt.Signals(deviceName):
			sink(rt.DispatchTimeout(deviceName, sig))
		}
	}
}

func keyValue(v int32) (model.KeyValue, bool) {
	switch v {
	case 0:
		return model.Up, true
	case 1:
		return model.Down, true
	case 2:
		return model.Repeat, true
	default:
		return 0, false
	}
}

func readLoop(dev *evdev.InputDevice, out chan<- *evdev.InputEvent, errCh chan<- error) {
	defer close(out)
	for {
		ev, err := dev.ReadOne()
		if err != nil {
			errCh <- err
			return
		}
		out <- ev
	}
}
