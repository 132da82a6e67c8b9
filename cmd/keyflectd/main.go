// Command keyflectd is the daemon that reads physical keyboards, resolves
// dual-function and layer-hold keys via the timing state machine, and
// re-emits the result through a single virtual keyboard.
//
// Usage:
//
//	keyflectd [flags]
//
// Flags:
//
//	-config string
//	    Path to config.yml (default: $XDG_CONFIG_HOME/keyflectd/config.yml)
//	-log-format string
//	    "text" or "json" (default "text")
//	-verbose
//	    Enable debug-level logging
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"keyflect/internal/clock"
	"keyflect/internal/config"
	"keyflect/internal/eventsource"
	"keyflect/internal/logging"
	"keyflect/internal/outputdevice"
	"keyflect/internal/router"
)

func main() {
	configPath := flag.String("config", "", "path to config.yml (default: $XDG_CONFIG_HOME/keyflectd/config.yml)")
	logFormat := flag.String("log-format", "text", `log output format: "text" or "json"`)
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = slog.LevelDebug
	}
	if *logFormat == "json" {
		logCfg.Format = logging.FormatJSON
	}
	log := logging.New(logCfg)

	if err := run(*configPath, log); err != nil {
		log.Error("keyflectd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	path := configPath
	if path == "" {
		var err error
		path, err = config.Path(config.DefaultAppName)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	log.Info("keyflectd: config loaded", "path", path, "devices", len(cfg.Profiles), "no_emit", cfg.NoEmit)

	clk := clock.New()
	rt := router.New(cfg, clk, log)

	out, err := outputdevice.New("keyflectd virtual keyboard", config.OutputKeycodes(cfg), cfg.NoEmit, log)
	if err != nil {
		return fmt.Errorf("create output device: %w", err)
	}
	defer out.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for deviceName := range cfg.Profiles {
		wg.Add(1)
		go func(deviceName string) {
			defer wg.Done()
			runDevice(ctx, deviceName, rt, clk, out, log)
		}(deviceName)
	}

	log.Info("keyflectd: running", "devices", len(cfg.Profiles))
	wg.Wait()
	log.Info("keyflectd: all device loops stopped")
	return nil
}

// runDevice drives one physical keyboard's event loop for as long as ctx
// is live, retrying device lookup on DeviceUnavailable rather than giving
// up the daemon over one disconnected keyboard — a USB keyboard unplugged
// mid-session should not take the whole process down, only its own loop,
// which re-attaches once the device reappears.
func runDevice(ctx context.Context, deviceName string, rt *router.Router, clk clock.Clock, out *outputdevice.Device, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := runDeviceOnce(ctx, deviceName, rt, clk, out, log)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("keyflectd: device loop ended, will retry", "device", deviceName, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// runDeviceOnce is the per-device fault boundary SPEC_FULL.md §10.2
// promises: a panic inside the loop (most plausibly deep in
// router.Dispatch/resolver.OnEvent, never expected but not provably
// impossible) is recovered here, logged, and that device's Resolver is
// discarded so the retry in runDevice starts clean — it must never reach
// the top of the goroutine and take every other device's loop down with
// it.
func runDeviceOnce(ctx context.Context, deviceName string, rt *router.Router, clk clock.Clock, out *outputdevice.Device, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.ResetResolver(deviceName)
			log.Error("keyflectd: recovered panic in device loop", "device", deviceName, "panic", r)
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	return eventsource.Run(ctx, deviceName, rt, clk, out.Emit, log)
}
