package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyflect/internal/clock"
	"keyflect/internal/keycode"
	"keyflect/internal/model"
)

const defaultTerm = 200 * time.Millisecond

func mustCode(t *testing.T, name string) keycode.Code {
	t.Helper()
	c, err := keycode.Lookup(name)
	require.NoError(t, err)
	return c
}

// harness drives a Resolver against a Fake clock, advancing time to match
// each injected event's own timestamp before delivering it. It never reads
// Signals() on its own — a test that wants a timer's Timeout to actually
// commit must call drainTimeouts explicitly, mirroring how a production
// select-loop only notices a fired timer when it is scheduled to service
// that channel case, not the instant the timer's goroutine fires.
type harness struct {
	t   *testing.T
	clk *clock.Fake
	res *Resolver
	now time.Duration
}

func newHarness(t *testing.T, profile *model.Profile) *harness {
	t.Helper()
	clk := clock.NewFake()
	return &harness{
		t:   t,
		clk: clk,
		res: New("test-kbd", profile, clk, nil),
	}
}

func (h *harness) advanceTo(at time.Duration) {
	if at < h.now {
		h.t.Fatalf("event timestamps must be non-decreasing: now=%v at=%v", h.now, at)
	}
	h.clk.Advance(at - h.now)
	h.now = at
}

func (h *harness) down(key keycode.Code, at time.Duration) []model.ResolvedEvent {
	h.advanceTo(at)
	return h.res.OnEvent(model.RawEvent{DeviceID: "test-kbd", Key: key, Value: model.Down, At: h.clk.Now()})
}

func (h *harness) up(key keycode.Code, at time.Duration) []model.ResolvedEvent {
	h.advanceTo(at)
	return h.res.OnEvent(model.RawEvent{DeviceID: "test-kbd", Key: key, Value: model.Up, At: h.clk.Now()})
}

// drainTimeouts processes every TimeoutSignal currently buffered, the way a
// production event loop's select would once it gets a turn. Returns the
// concatenation of every resulting commit's events.
func (h *harness) drainTimeouts() []model.ResolvedEvent {
	var out []model.ResolvedEvent
	for {
		select {
		case sig := <-h.res.Signals():
			out = append(out, h.res.OnTimeout(sig.Key, sig.Gen)...)
		default:
			return out
		}
	}
}

func plainProfile(t *testing.T, pairs map[string]string) *model.Profile {
	t.Helper()
	bindings := make(map[keycode.Code]model.Binding)
	for from, to := range pairs {
		bindings[mustCode(t, from)] = model.Binding{Kind: model.BindingPlain, Tap: mustCode(t, to)}
	}
	return &model.Profile{DeviceName: "test-kbd", Bindings: bindings}
}

func dualFunctionProfile(t *testing.T, key string, tap, hold string, hrm bool, term time.Duration) *model.Profile {
	t.Helper()
	return &model.Profile{
		DeviceName: "test-kbd",
		Bindings: map[keycode.Code]model.Binding{
			mustCode(t, key): {
				Kind:    model.BindingDualFunction,
				Tap:     mustCode(t, tap),
				Hold:    mustCode(t, hold),
				HRM:     hrm,
				HRMTerm: term,
			},
		},
	}
}

// --- Scenario 1: pure tap, release before any overlap or timeout. ---

func TestScenario_PureTap(t *testing.T) {
	a := mustCode(t, "KEY_A")
	profile := dualFunctionProfile(t, "KEY_A", "KEY_A", "KEY_LEFTCTRL", true, defaultTerm)
	h := newHarness(t, profile)

	assert.Empty(t, h.down(a, 0))
	out := h.up(a, 50*time.Millisecond)

	assert.Equal(t, []model.ResolvedEvent{
		{Key: a, Value: model.Down},
		{Key: a, Value: model.Up},
	}, out)
}

// --- Scenario 2: pure hold, committed by timeout with nothing else. ---

func TestScenario_HoldByTimeout(t *testing.T) {
	a := mustCode(t, "KEY_A")
	ctrl := mustCode(t, "KEY_LEFTCTRL")
	profile := dualFunctionProfile(t, "KEY_A", "KEY_A", "KEY_LEFTCTRL", false, defaultTerm)
	h := newHarness(t, profile)

	assert.Empty(t, h.down(a, 0))
	h.advanceTo(defaultTerm)
	timeoutOut := h.drainTimeouts()
	assert.Equal(t, []model.ResolvedEvent{{Key: ctrl, Value: model.Down}}, timeoutOut)

	upOut := h.up(a, 500*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: ctrl, Value: model.Up}}, upOut)
}

// --- Scenario 3: overlap, non-HRM — commits Hold without waiting for term. ---

func TestScenario_OverlapNonHRM(t *testing.T) {
	s := mustCode(t, "KEY_S")
	k := mustCode(t, "KEY_K")
	meta := mustCode(t, "KEY_LEFTMETA")
	profile := dualFunctionProfile(t, "KEY_S", "KEY_S", "KEY_LEFTMETA", false, defaultTerm)
	h := newHarness(t, profile)

	assert.Empty(t, h.down(s, 0))
	assert.Empty(t, h.down(k, 30*time.Millisecond))

	out := h.up(k, 60*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{
		{Key: meta, Value: model.Down},
		{Key: k, Value: model.Down},
		{Key: k, Value: model.Up},
	}, out)

	upOut := h.up(s, 80*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: meta, Value: model.Up}}, upOut)
}

// --- Scenario 4: overlap, HRM, fast roll — commits Tap because the gate
// has not elapsed at the moment of overlap release. ---

func TestScenario_OverlapHRMFastRoll(t *testing.T) {
	s := mustCode(t, "KEY_S")
	k := mustCode(t, "KEY_K")
	profile := dualFunctionProfile(t, "KEY_S", "KEY_S", "KEY_LEFTMETA", true, defaultTerm)
	h := newHarness(t, profile)

	assert.Empty(t, h.down(s, 0))
	assert.Empty(t, h.down(k, 30*time.Millisecond))

	out := h.up(k, 60*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{
		{Key: s, Value: model.Down},
		{Key: s, Value: model.Up},
		{Key: k, Value: model.Down},
		{Key: k, Value: model.Up},
	}, out)

	// S's own Up arrives later and matches nothing: S already committed.
	noOp := h.up(s, 80*time.Millisecond)
	assert.Empty(t, noOp)
}

// --- Scenario 5: overlap, HRM, slow roll — the gate has elapsed by the
// time the overlapping key releases, so the commit is Hold. The resolver
// never auto-drains its own timeout here: the overlap release arrives
// first in the event stream and resolves S before any stray timer signal
// is serviced, exactly as a production select-loop that is mid-read on a
// device fd would not interrupt itself to service a ready timer channel. ---

func TestScenario_OverlapHRMSlowRoll(t *testing.T) {
	s := mustCode(t, "KEY_S")
	k := mustCode(t, "KEY_K")
	meta := mustCode(t, "KEY_LEFTMETA")
	profile := dualFunctionProfile(t, "KEY_S", "KEY_S", "KEY_LEFTMETA", true, defaultTerm)
	h := newHarness(t, profile)

	assert.Empty(t, h.down(s, 0))
	assert.Empty(t, h.down(k, 250*time.Millisecond))

	out := h.up(k, 270*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{
		{Key: meta, Value: model.Down},
		{Key: k, Value: model.Down},
		{Key: k, Value: model.Up},
	}, out)

	upOut := h.up(s, 300*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: meta, Value: model.Up}}, upOut)

	// The stale timer signal that fired at t=200 is still sitting in the
	// channel; draining it now must be a no-op since S no longer has a
	// pendingKey (commit already removed it).
	assert.Empty(t, h.drainTimeouts())
}

// --- Scenario 6: layer. No trigger-key events ever reach the output. ---

func TestScenario_Layer(t *testing.T) {
	rightAlt := mustCode(t, "KEY_RIGHTALT")
	v := mustCode(t, "KEY_V")
	up := mustCode(t, "KEY_UP")
	profile := &model.Profile{
		DeviceName: "test-kbd",
		Bindings: map[keycode.Code]model.Binding{
			rightAlt: {Kind: model.BindingLayerHold, Layer: "Navigation"},
		},
		Layers: []model.Layer{
			{Name: "Navigation", Trigger: rightAlt, Remap: map[keycode.Code]keycode.Code{v: up}},
		},
	}
	h := newHarness(t, profile)

	assert.Empty(t, h.down(rightAlt, 0))
	downOut := h.down(v, 10*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: up, Value: model.Down}}, downOut)

	upOut := h.up(v, 20*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: up, Value: model.Up}}, upOut)

	assert.Empty(t, h.up(rightAlt, 30*time.Millisecond))
}

// --- Universal invariants (spec §8) ---

func TestInvariant_PlainIsPointwiseRemap(t *testing.T) {
	profile := plainProfile(t, map[string]string{"KEY_CAPSLOCK": "KEY_ESC"})
	h := newHarness(t, profile)
	caps := mustCode(t, "KEY_CAPSLOCK")
	esc := mustCode(t, "KEY_ESC")

	downOut := h.down(caps, 0)
	assert.Equal(t, []model.ResolvedEvent{{Key: esc, Value: model.Down}}, downOut)

	repeatOut := h.res.OnEvent(model.RawEvent{DeviceID: "test-kbd", Key: caps, Value: model.Repeat, At: h.clk.Now()})
	assert.Equal(t, []model.ResolvedEvent{{Key: esc, Value: model.Repeat}}, repeatOut)

	upOut := h.up(caps, 5*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: esc, Value: model.Up}}, upOut)
}

func TestInvariant_UnboundKeyPassesThroughUnchanged(t *testing.T) {
	profile := &model.Profile{DeviceName: "test-kbd", Bindings: map[keycode.Code]model.Binding{}}
	h := newHarness(t, profile)
	z := mustCode(t, "KEY_Z")

	downOut := h.down(z, 0)
	assert.Equal(t, []model.ResolvedEvent{{Key: z, Value: model.Down}}, downOut)
	upOut := h.up(z, 10*time.Millisecond)
	assert.Equal(t, []model.ResolvedEvent{{Key: z, Value: model.Up}}, upOut)
}

func TestInvariant_DuplicateUpIsDroppedSilently(t *testing.T) {
	profile := plainProfile(t, map[string]string{"KEY_A": "KEY_A"})
	h := newHarness(t, profile)
	a := mustCode(t, "KEY_A")

	h.down(a, 0)
	h.up(a, 10*time.Millisecond)
	// A second Up with no matching state must not panic and must emit nothing.
	assert.Empty(t, h.up(a, 20*time.Millisecond))
}

func TestInvariant_RepeatDroppedWhilePending(t *testing.T) {
	profile := dualFunctionProfile(t, "KEY_F", "KEY_F", "KEY_LEFTCTRL", false, defaultTerm)
	h := newHarness(t, profile)
	f := mustCode(t, "KEY_F")

	h.down(f, 0)
	repeatOut := h.res.OnEvent(model.RawEvent{DeviceID: "test-kbd", Key: f, Value: model.Repeat, At: h.clk.Now()})
	assert.Empty(t, repeatOut)
}

func TestShutdown_CommitsPendingAsTapAndReleasesHeld(t *testing.T) {
	a := mustCode(t, "KEY_A")
	esc := mustCode(t, "KEY_ESC")
	ctrl := mustCode(t, "KEY_LEFTCTRL")

	profile := &model.Profile{
		DeviceName: "test-kbd",
		Bindings: map[keycode.Code]model.Binding{
			a:   {Kind: model.BindingDualFunction, Tap: a, Hold: ctrl, HRM: false, HRMTerm: defaultTerm},
			esc: {Kind: model.BindingPlain, Tap: esc},
		},
	}
	h := newHarness(t, profile)

	h.down(a, 0)      // left Pending
	h.down(esc, 5*time.Millisecond) // Plain, stays queued behind the pending a

	out := h.res.Shutdown()

	// a commits as Tap (down+up), then the queued esc Down flushes (down-only,
	// since it never got its own Up) and is immediately released by Shutdown.
	assert.Contains(t, out, model.ResolvedEvent{Key: a, Value: model.Down})
	assert.Contains(t, out, model.ResolvedEvent{Key: a, Value: model.Up})
	assert.Contains(t, out, model.ResolvedEvent{Key: esc, Value: model.Down})
	assert.Contains(t, out, model.ResolvedEvent{Key: esc, Value: model.Up})
}
