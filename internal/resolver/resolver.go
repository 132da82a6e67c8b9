// Package resolver implements the key-event state machine described in
// spec §4.2 — the only substantial engineering in this repository. One
// Resolver owns one physical device's worth of pending/decided key state
// and turns a stream of RawEvent/Timeout into ResolvedEvent batches.
//
// The resolver is purely synchronous and never touches a clock directly
// except through the injected clock.Clock (spec §4.5); this is what makes
// it testable against simulated time (spec §8).
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keyflect/internal/clock"
	"keyflect/internal/keycode"
	"keyflect/internal/logging"
	"keyflect/internal/model"
)

// ErrInvariant is the UnexpectedState sentinel (spec §7): a Resolver that
// observes state it should be impossible to reach (a duplicate Down for an
// already-Pending key, most commonly caused by a dropped Up somewhere
// upstream) logs this, dumps its state, and repairs itself in place rather
// than propagating a fatal error — one malformed key stream must not take
// the device's loop down.
var ErrInvariant = errors.New("resolver: invariant violation")

// heldKind distinguishes why a physical key is currently tracked as held,
// purely to decide Repeat forwarding (spec §3: "forwarded only if the key
// is already Decided(Tap) on a Plain binding").
type heldKind int

const (
	heldPlainLike heldKind = iota // Plain binding, or a layer/queued remap — Repeat forwards
	heldModifier                  // committed DualFunction Hold — Repeat dropped
)

type heldEntry struct {
	code keycode.Code
	kind heldKind
}

// queuedDown is a Down event the resolver held back because it arrived
// while an older DualFunction key was still Pending (spec §4.2.4 item 2,
// §4.2.5). It is flushed, Down-only or Down+Up together, when its owner
// commits.
type queuedDown struct {
	resolved keycode.Code
	owner    keycode.Code // the Pending key this event is contingent on
	upAt     time.Time    // zero until an Up arrives before the owner commits
	hasUp    bool
}

type pendingKey struct {
	key     keycode.Code
	binding model.Binding
	downAt  time.Time
	timerID clock.TimerID
	gen     uint64         // local generation tag, disambiguates a stale in-flight signal from a later Down of the same key
	order   []keycode.Code // subsequent keys queued against this key, in arrival order
}

// TimeoutSignal is what a scheduled timer hands back across the channel
// boundary. It carries no behavior of its own; whoever owns the device's
// event-processing goroutine reads it and calls OnTimeout with it.
type TimeoutSignal struct {
	Key keycode.Code
	Gen uint64
}

// Resolver is the per-device state machine. It is not safe for concurrent
// use — spec §5 assigns exactly one goroutine per device. Crucially, that
// includes timer fires: clock.Clock.Schedule's fn may run on a different
// goroutine (System does, via time.AfterFunc), so a Resolver never calls
// itself from inside that fn. Instead the fn only ever sends a
// TimeoutSignal down sigCh; the goroutine that owns this Resolver is
// responsible for reading Signals() and feeding them to OnTimeout, the
// same way it feeds RawEvents to OnEvent.
type Resolver struct {
	deviceID string
	profile  *model.Profile
	clock    clock.Clock
	log      *slog.Logger

	activeLayers []model.Layer // stack; most recently pushed is last

	pending      map[keycode.Code]*pendingKey
	pendingOrder []keycode.Code // FIFO of pending.keys; pendingOrder[0] is the commit-first key

	queued map[keycode.Code]*queuedDown
	held   map[keycode.Code]heldEntry

	genCounter uint64
	sigCh      chan TimeoutSignal
}

// New builds a Resolver for one physical device against profile, using clk
// as its only source of time. log may be nil, in which case diagnostics
// are discarded.
func New(deviceID string, profile *model.Profile, clk clock.Clock, log *slog.Logger) *Resolver {
	if log == nil {
		log = logging.Discard()
	}
	return &Resolver{
		deviceID: deviceID,
		profile:  profile,
		clock:    clk,
		log:      log,
		pending:  make(map[keycode.Code]*pendingKey),
		queued:   make(map[keycode.Code]*queuedDown),
		held:     make(map[keycode.Code]heldEntry),
		// Buffered generously: the number of in-flight timers is bounded
		// by the number of simultaneously Pending keys, which in practice
		// never approaches double digits on a physical keyboard.
		sigCh: make(chan TimeoutSignal, 32),
	}
}

// Signals returns the channel a device's owning goroutine must select on
// alongside its raw event source, dispatching each received TimeoutSignal
// to OnTimeout. Nothing is ever delivered here except from Schedule's fn.
func (r *Resolver) Signals() <-chan TimeoutSignal {
	return r.sigCh
}

// OnEvent processes one RawEvent and returns the ResolvedEvents it (and
// any commits it triggers) produce, in emission order. This is the single
// public operation spec §4.2 calls out.
func (r *Resolver) OnEvent(ev model.RawEvent) []model.ResolvedEvent {
	switch ev.Value {
	case model.Down:
		return r.onDown(ev.Key, ev.At)
	case model.Up:
		return r.onUp(ev.Key, ev.At)
	case model.Repeat:
		return r.onRepeat(ev.Key)
	default:
		r.log.Warn("resolver: unknown key value", "device", r.deviceID, "key", keycode.Name(ev.Key), "value", int(ev.Value))
		return nil
	}
}

// OnTimeout processes a synthetic timeout delivered by the Clock for a
// previously-scheduled Pending key (spec §4.2.4 item 4). gen is the
// TimeoutSignal's generation tag, not a clock.TimerID — it is what lets a
// signal already sitting in sigCh when its key committed, and later
// pressed again, be recognized as stale instead of re-triggering a commit
// on an unrelated pendingKey.
func (r *Resolver) OnTimeout(key keycode.Code, gen uint64) []model.ResolvedEvent {
	pk, ok := r.pending[key]
	if !ok || pk.gen != gen {
		// Already committed via another path, or superseded by a newer
		// Down of the same key; a stray fire is a no-op, not an error.
		return nil
	}
	return r.commit(pk, decisionHold, pk.downAt)
}

// layerTrigger reports whether key is configured as a layer's trigger on
// this profile. Layer triggers are never remapped by another layer and
// never enter tap/hold logic (spec §4.2.1, §4.2.3).
func (r *Resolver) layerTrigger(key keycode.Code) (model.Layer, bool) {
	return r.profile.LayerByTrigger(key)
}

// resolveLayerRemap looks for key in the most-recently-activated layer
// first (stack discipline, spec §4.2.1: "most-recently-pressed layer
// wins").
func (r *Resolver) resolveLayerRemap(key keycode.Code) (keycode.Code, bool) {
	for i := len(r.activeLayers) - 1; i >= 0; i-- {
		if target, ok := r.activeLayers[i].Remap[key]; ok {
			return target, true
		}
	}
	return 0, false
}

func (r *Resolver) onDown(key keycode.Code, at time.Time) []model.ResolvedEvent {
	if layer, ok := r.layerTrigger(key); ok {
		r.pushLayer(layer)
		return nil
	}

	if target, ok := r.resolveLayerRemap(key); ok {
		return r.emitOrQueuePlain(key, target, at)
	}

	binding := r.profile.Lookup(key)
	switch binding.Kind {
	case model.BindingPlain:
		return r.emitOrQueuePlain(key, binding.Tap, at)
	case model.BindingDualFunction:
		return r.startPending(key, binding, at)
	default:
		// LayerHold bindings are only reachable via layerTrigger above;
		// an absent/unknown kind falls back to identity pass-through.
		return r.emitOrQueuePlain(key, key, at)
	}
}

// emitOrQueuePlain is §4.2.2 (Plain) plus the §4.2.4/§4.2.5 queuing
// discipline: if an older DualFunction key is still undecided, this Down
// is held back rather than emitted, contingent on that key's commit.
func (r *Resolver) emitOrQueuePlain(physical, resolved keycode.Code, at time.Time) []model.ResolvedEvent {
	if len(r.pendingOrder) > 0 {
		ownerKey := r.pendingOrder[0]
		owner := r.pending[ownerKey]
		r.queued[physical] = &queuedDown{resolved: resolved, owner: ownerKey}
		owner.order = append(owner.order, physical)
		return nil
	}
	r.held[physical] = heldEntry{code: resolved, kind: heldPlainLike}
	return []model.ResolvedEvent{{Key: resolved, Value: model.Down}}
}

func (r *Resolver) startPending(key keycode.Code, binding model.Binding, at time.Time) []model.ResolvedEvent {
	if _, exists := r.pending[key]; exists {
		r.log.Error("resolver: invariant violation", "err", ErrInvariant, "device", r.deviceID, "key", keycode.Name(key), "state", r.Dump())
		r.forceRelease(key)
	}

	r.genCounter++
	gen := r.genCounter
	pk := &pendingKey{key: key, binding: binding, downAt: at, gen: gen}
	term := binding.HRMTerm
	pk.timerID = r.clock.Schedule(term, func() {
		select {
		case r.sigCh <- TimeoutSignal{Key: key, Gen: gen}:
		default:
			r.log.Warn("resolver: dropped timeout signal, channel full", "device", r.deviceID, "key", keycode.Name(key))
		}
	})
	r.pending[key] = pk
	r.pendingOrder = append(r.pendingOrder, key)
	return nil
}

func (r *Resolver) onUp(key keycode.Code, at time.Time) []model.ResolvedEvent {
	if layer, ok := r.layerTrigger(key); ok {
		r.popLayer(layer.Name)
		return nil
	}

	if pk, ok := r.pending[key]; ok {
		// Item 1: the key itself releases before any resolving condition.
		return r.commit(pk, decisionTap, at)
	}

	if qd, ok := r.queued[key]; ok {
		owner, exists := r.pending[qd.owner]
		if !exists {
			// Owner already committed (shouldn't happen: commit flushes
			// queued entries), drop defensively.
			delete(r.queued, key)
			return nil
		}
		qd.hasUp = true
		qd.upAt = at
		decision, decidedAt := r.overlapDecision(owner, at)
		return r.commit(owner, decision, decidedAt)
	}

	if entry, ok := r.held[key]; ok {
		delete(r.held, key)
		return []model.ResolvedEvent{{Key: entry.code, Value: model.Up}}
	}

	// Balanced-release invariant (spec §8): an Up with nothing pending,
	// queued, or held behind it is either a duplicate or a key whose
	// commit already emitted its matching Up (spec §8 scenario 4). Drop.
	return nil
}

func (r *Resolver) onRepeat(key keycode.Code) []model.ResolvedEvent {
	if _, ok := r.layerTrigger(key); ok {
		return nil
	}
	if _, ok := r.pending[key]; ok {
		return nil // spec §4.2.5: repeats for a Pending key are dropped
	}
	if _, ok := r.queued[key]; ok {
		return nil // not yet decided, drop
	}
	if entry, ok := r.held[key]; ok {
		if entry.kind == heldPlainLike {
			return []model.ResolvedEvent{{Key: entry.code, Value: model.Repeat}}
		}
		return nil
	}
	return nil
}

type decision int

const (
	decisionTap decision = iota
	decisionHold
)

// overlapDecision implements spec §4.2.4 item 3: the heuristic that
// decides whether an overlapping key's release commits the Pending key as
// Hold immediately, or — for HRM bindings only — as Tap because the
// Pending key hasn't been held long enough yet.
func (r *Resolver) overlapDecision(pk *pendingKey, at time.Time) (decision, time.Time) {
	if !pk.binding.HRM {
		return decisionHold, at
	}
	elapsed := at.Sub(pk.downAt)
	if elapsed >= pk.binding.HRMTerm {
		return decisionHold, at
	}
	return decisionTap, at
}

// commit resolves pk once and for all: cancels its timer, emits the
// decided event(s), then flushes every key that queued behind it, in
// original press order (spec §4.2.5).
func (r *Resolver) commit(pk *pendingKey, d decision, at time.Time) []model.ResolvedEvent {
	r.clock.Cancel(pk.timerID)
	delete(r.pending, pk.key)
	r.removeFromOrder(pk.key)

	var out []model.ResolvedEvent
	switch d {
	case decisionTap:
		out = append(out, model.ResolvedEvent{Key: pk.binding.Tap, Value: model.Down})
		out = append(out, model.ResolvedEvent{Key: pk.binding.Tap, Value: model.Up})
	case decisionHold:
		out = append(out, model.ResolvedEvent{Key: pk.binding.Hold, Value: model.Down})
		r.held[pk.key] = heldEntry{code: pk.binding.Hold, kind: heldModifier}
	}

	for _, qk := range pk.order {
		qd, ok := r.queued[qk]
		if !ok {
			continue
		}
		delete(r.queued, qk)
		out = append(out, model.ResolvedEvent{Key: qd.resolved, Value: model.Down})
		if qd.hasUp {
			out = append(out, model.ResolvedEvent{Key: qd.resolved, Value: model.Up})
		} else {
			r.held[qk] = heldEntry{code: qd.resolved, kind: heldPlainLike}
		}
	}

	r.log.Debug("resolver: commit", "device", r.deviceID, "key", keycode.Name(pk.key), "decision", decisionName(d), "at", at)
	return out
}

func decisionName(d decision) string {
	if d == decisionHold {
		return "hold"
	}
	return "tap"
}

func (r *Resolver) removeFromOrder(key keycode.Code) {
	for i, k := range r.pendingOrder {
		if k == key {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			return
		}
	}
}

func (r *Resolver) pushLayer(layer model.Layer) {
	for _, l := range r.activeLayers {
		if l.Trigger == layer.Trigger {
			return // already active; a physical key can't double-down
		}
	}
	r.activeLayers = append(r.activeLayers, layer)
}

func (r *Resolver) popLayer(name string) {
	for i := len(r.activeLayers) - 1; i >= 0; i-- {
		if r.activeLayers[i].Name == name {
			r.activeLayers = append(r.activeLayers[:i], r.activeLayers[i+1:]...)
			return
		}
	}
}

// forceRelease discards any state resolver holds for key, used when an
// UnexpectedState (duplicate Down) is detected for a single key; it does
// not reset the whole device (see Shutdown for that).
func (r *Resolver) forceRelease(key keycode.Code) {
	if pk, ok := r.pending[key]; ok {
		r.clock.Cancel(pk.timerID)
		delete(r.pending, key)
		r.removeFromOrder(key)
	}
	delete(r.queued, key)
	delete(r.held, key)
}

// Shutdown implements spec §5's cancellation semantics: every Pending key
// commits as Tap (never leaves a stuck modifier), then every currently
// held output key receives a synthetic Up, in map iteration order, which
// varies from run to run — shutdown ordering across keys carries no
// semantic meaning.
func (r *Resolver) Shutdown() []model.ResolvedEvent {
	var out []model.ResolvedEvent
	for len(r.pendingOrder) > 0 {
		pk := r.pending[r.pendingOrder[0]]
		out = append(out, r.commit(pk, decisionTap, r.clock.Now())...)
	}
	for key, entry := range r.held {
		out = append(out, model.ResolvedEvent{Key: entry.code, Value: model.Up})
		delete(r.held, key)
	}
	r.activeLayers = nil
	return out
}

// Dump renders the resolver's internal state for an UnexpectedState log
// line (spec §7); it is diagnostic only, never parsed.
func (r *Resolver) Dump() string {
	return fmt.Sprintf(
		"device=%s pending=%d queued=%d held=%d layers=%d",
		r.deviceID, len(r.pending), len(r.queued), len(r.held), len(r.activeLayers),
	)
}
