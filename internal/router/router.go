// Package router owns the active Config and dispatches raw events to the
// per-device Resolver that owns them (spec §4.1). It is the thin
// coordination layer between the Event Source Adapter and the Resolvers;
// all decision-making happens in resolver.Resolver.
package router

import (
	"log/slog"
	"sync"

	"keyflect/internal/clock"
	"keyflect/internal/keycode"
	"keyflect/internal/logging"
	"keyflect/internal/model"
	"keyflect/internal/resolver"
)

// Router owns the immutable active configuration and one Resolver per
// device it has seen an event from. It is safe for concurrent use as long
// as each device's events are dispatched from that device's own goroutine:
// mu guards the resolver map, but a Resolver itself is called without mu
// held, and devices are independent per spec §5 ("no ordering is
// guaranteed across devices").
type Router struct {
	cfg   *model.Config
	clock clock.Clock
	log   *slog.Logger

	mu        sync.Mutex
	resolvers map[string]*resolver.Resolver

	// stats are plain atomics-free counters protected by mu; cheap enough
	// not to need anything fancier, and there is no networked endpoint to
	// serve them from (spec §1 non-goal: no networked control surface).
	decisionsTap  uint64
	decisionsHold uint64
}

// New builds a Router over an immutable Config. clk is threaded through
// to every Resolver it creates.
func New(cfg *model.Config, clk clock.Clock, log *slog.Logger) *Router {
	if log == nil {
		log = logging.Discard()
	}
	return &Router{
		cfg:       cfg,
		clock:     clk,
		log:       log,
		resolvers: make(map[string]*resolver.Resolver),
	}
}

// Dispatch routes one RawEvent to the Resolver for its device, creating
// that Resolver on first sight of the device (spec §4.1). Events for a
// device with no matching Profile are dropped — the Event Source Adapter
// should not have forwarded them, but the Router is defensive about it.
func (rt *Router) Dispatch(ev model.RawEvent) []model.ResolvedEvent {
	res, ok := rt.resolverFor(ev.DeviceID)
	if !ok {
		rt.log.Debug("router: dropping event for unknown device", "device", ev.DeviceID, "key", keycode.Name(ev.Key))
		return nil
	}
	out := res.OnEvent(ev)
	rt.tally(out)
	return out
}

// DispatchTimeout routes a resolver.TimeoutSignal, read off that device's
// Resolver.Signals() channel by the device's owning goroutine, back into
// the Resolver that scheduled it (spec §4.1, "the Router also forwards
// timer-fired events"). It must only ever be called from that same
// goroutine — see Resolver's concurrency note.
func (rt *Router) DispatchTimeout(deviceID string, sig resolver.TimeoutSignal) []model.ResolvedEvent {
	rt.mu.Lock()
	res, ok := rt.resolvers[deviceID]
	rt.mu.Unlock()
	if !ok {
		return nil
	}
	out := res.OnTimeout(sig.Key, sig.Gen)
	rt.tally(out)
	return out
}

// EnsureResolver creates the Resolver for deviceID if one does not exist
// yet, and reports whether the device has a configured Profile at all. A
// device's event loop calls this once, before entering its select over
// raw events and Signals, so Signals never returns nil out from under it.
func (rt *Router) EnsureResolver(deviceID string) bool {
	_, ok := rt.resolverFor(deviceID)
	return ok
}

// Signals returns the device's Resolver.Signals() channel, or nil if no
// Resolver has been created for that device (see EnsureResolver).
func (rt *Router) Signals(deviceID string) <-chan resolver.TimeoutSignal {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	res, ok := rt.resolvers[deviceID]
	if !ok {
		return nil
	}
	return res.Signals()
}

// Shutdown releases every device's held keys and commits every Pending key
// as Tap (spec §5 cancellation). It returns the events per device so the
// caller can flush each to the right Output Adapter instance.
func (rt *Router) Shutdown() map[string][]model.ResolvedEvent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string][]model.ResolvedEvent, len(rt.resolvers))
	for device, res := range rt.resolvers {
		out[device] = res.Shutdown()
	}
	return out
}

// DispatchShutdown is Shutdown scoped to a single device, used by a
// device's own event loop when it exits (ctx cancellation, device
// disappearance) without tearing down every other device's Resolver.
func (rt *Router) DispatchShutdown(deviceID string) []model.ResolvedEvent {
	rt.mu.Lock()
	res, ok := rt.resolvers[deviceID]
	rt.mu.Unlock()
	if !ok {
		return nil
	}
	return res.Shutdown()
}

// ResetResolver discards the device's current Resolver, if any, so the
// next Dispatch/EnsureResolver rebuilds it from scratch. Used when a
// device's event loop recovers from a panic (spec §10.2): the malformed
// state that caused the panic is thrown away along with the Resolver
// instead of surviving into the retried loop.
func (rt *Router) ResetResolver(deviceID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.resolvers, deviceID)
}

// Stats returns the total tap/hold decisions made across every device so
// far, a diagnostic counter only — it is never served over the network.
func (rt *Router) Stats() (taps, holds uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.decisionsTap, rt.decisionsHold
}

func (rt *Router) resolverFor(deviceID string) (*resolver.Resolver, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if res, ok := rt.resolvers[deviceID]; ok {
		return res, true
	}
	profile, ok := rt.cfg.Profiles[deviceID]
	if !ok {
		return nil, false
	}
	res := resolver.New(deviceID, profile, rt.clock, rt.log)
	rt.resolvers[deviceID] = res
	return res, true
}

// tally is a best-effort heuristic for the decision counters: a commit to
// Hold always emits a Down whose key equals the binding's hold code and
// nothing else in that same batch emits Up for it yet; a commit to Tap
// always emits exactly a Down immediately followed by an Up for the same
// key. This is diagnostic, never load-bearing, so an approximation is
// fine.
func (rt *Router) tally(events []model.ResolvedEvent) {
	if len(events) == 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := 0; i < len(events); i++ {
		if events[i].Value != model.Down {
			continue
		}
		if i+1 < len(events) && events[i+1].Value == model.Up && events[i+1].Key == events[i].Key {
			rt.decisionsTap++
			i++
		} else {
			rt.decisionsHold++
		}
	}
}
