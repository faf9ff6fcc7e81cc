// Command mrbridge probes the native media libraries and runs the bridge
// against the in-process simulated pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/mrbridge"
	"github.com/thesyncim/mrbridge/internal/simpipe"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "mrbridge",
		Usage:   "host bridge for the native WebRTC media pipeline",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", EnvVars: []string{"MRBRIDGE_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "log level (debug, info, warn, error)"},
		},
		Before: setup,
		Commands: []*cli.Command{
			probeCommand(),
			simulateCommand(),
			configCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	cfg, err := mrbridge.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	mrbridge.SetConfig(cfg)

	logger, err := mrbridge.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	mrbridge.SetLogger(logger)
	return nil
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "load the native libraries and report the render entry point",
		Action: func(c *cli.Context) error {
			n, err := mrbridge.LoadNative(mrbridge.CurrentConfig())
			if err != nil {
				if errors.Is(err, mrbridge.ErrLibraryNotLoaded) || errors.Is(err, mrbridge.ErrNotSupported) {
					fmt.Fprintf(c.App.Writer, "native libraries: unavailable (%v)\n", err)
					return cli.Exit("", 2)
				}
				return err
			}
			fmt.Fprintf(c.App.Writer, "native libraries: %s\n", mrbridge.LoadedLibraryPath())
			fmt.Fprintf(c.App.Writer, "render entry point: %#x\n", n.VideoUpdateMethod())
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the effective configuration",
		Action: func(c *cli.Context) error {
			out, err := mrbridge.CurrentConfig().YAML()
			if err != nil {
				return err
			}
			_, err = c.App.Writer.Write(out)
			return err
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "drive a simulated pipeline: pattern source, native renderer, frame pump and device audio",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "frames", Value: 120, Usage: "display refreshes to run"},
			&cli.IntFlag{Name: "fps", Value: 30, Usage: "frame request rate of the external source"},
			&cli.IntFlag{Name: "width", Value: 640, Usage: "pattern width"},
			&cli.IntFlag{Name: "height", Value: 480, Usage: "pattern height"},
			&cli.StringFlag{Name: "format", Value: "I420A", Usage: "source pixel format (I420, I420A, ARGB32)"},
			&cli.StringFlag{Name: "pattern", Value: "bars", Usage: "pattern (bars, gradient, checker, solid, noise, box)"},
			&cli.StringFlag{Name: "agc", Usage: "device audio auto gain control (true, false, unset)"},
			&cli.StringFlag{Name: "aec", Usage: "device audio echo cancellation (true, false, unset)"},
		},
		Action: runSimulate,
	}
}

func runSimulate(c *cli.Context) error {
	cfg := mrbridge.CurrentConfig()
	session := uuid.NewString()
	log := mrbridge.Logger().With(zap.String("session", session))

	format, err := parseFormat(c.String("format"))
	if err != nil {
		return err
	}
	pattern, err := parsePattern(c.String("pattern"))
	if err != nil {
		return err
	}
	audioCfg := cfg.DeviceAudio
	if v := c.String("agc"); v != "" {
		if audioCfg.AutoGainControl, err = mrbridge.ParseOptBool(v); err != nil {
			return err
		}
	}
	if v := c.String("aec"); v != "" {
		if audioCfg.EchoCancellation, err = mrbridge.ParseOptBool(v); err != nil {
			return err
		}
	}

	pipe := simpipe.New(simpipe.Options{FPS: c.Int("fps"), Logger: log})
	defer pipe.Close()

	peer, err := pipe.CreatePeerConnection()
	if err != nil {
		return err
	}

	clock := mrbridge.NewTickerClock(cfg.RefreshRate)
	pump := mrbridge.NewPump(pipe, clock, mrbridge.LogBridgeFor(pipe, log))

	producer := mrbridge.NewPatternProducer(mrbridge.PatternConfig{
		Width:   c.Int("width"),
		Height:  c.Int("height"),
		Format:  format,
		Pattern: pattern,
	})
	src, err := mrbridge.WrapPeerConnection(pipe, peer).AddLocalVideoTrackFromExternalSource(
		mrbridge.ExternalVideoTrackSourceConfig{Format: format},
		producer.Handle,
	)
	if err != nil {
		return err
	}
	defer src.Close()

	renderer, err := mrbridge.NewNativeRenderer(pipe, pump, peer)
	if err != nil {
		return err
	}
	defer renderer.Close()
	textures := []mrbridge.TextureDesc{
		{Texture: 0x1000, Width: int32(c.Int("width")), Height: int32(c.Int("height"))},
		{Texture: 0x2000, Width: int32(c.Int("width") / 2), Height: int32(c.Int("height") / 2)},
		{Texture: 0x3000, Width: int32(c.Int("width") / 2), Height: int32(c.Int("height") / 2)},
	}
	if err := renderer.EnableRemoteVideo(mrbridge.VideoKindI420, textures); err != nil {
		return err
	}

	factory := mrbridge.NewDeviceAudioSourceFactory(pipe, cfg.Workers)

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		audio, err := factory.CreateAsync(ctx, audioCfg).Wait(ctx)
		if err != nil {
			return fmt.Errorf("device audio: %w", err)
		}
		defer audio.Close()
		nc, _ := pipe.LastDeviceAudioConfig()
		fmt.Fprintf(c.App.Writer, "device audio: %s agc=%s aec=%s (native %d/%d)\n",
			audio, audioCfg.AutoGainControl, audioCfg.EchoCancellation,
			nc.AutoGainControl, nc.EchoCancellation)
		return nil
	})
	g.Go(func() error {
		deadline := time.Duration(c.Int("frames")) * clock.Interval()
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := src.Stats()
	sent, _ := pipe.SourceStats(src.Handle())
	fmt.Fprintf(c.App.Writer, "session %s\n", session)
	fmt.Fprintf(c.App.Writer, "source %s: requested=%d completed=%d dropped=%d rtp_packets=%d\n",
		src.Name(), stats.Requested, stats.Completed, stats.Dropped, sent.Packets)
	fmt.Fprintf(c.App.Writer, "pump: signals=%d render_updates=%d\n", pump.Signals(), pipe.RenderUpdates())
	return nil
}

func parseFormat(s string) (mrbridge.PixelFormat, error) {
	switch s {
	case "I420", "i420":
		return mrbridge.PixelFormatI420, nil
	case "I420A", "i420a":
		return mrbridge.PixelFormatI420A, nil
	case "ARGB32", "argb32", "argb":
		return mrbridge.PixelFormatARGB32, nil
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

func parsePattern(s string) (mrbridge.PatternType, error) {
	switch s {
	case "bars":
		return mrbridge.PatternColorBars, nil
	case "gradient":
		return mrbridge.PatternGradient, nil
	case "checker":
		return mrbridge.PatternCheckerboard, nil
	case "solid":
		return mrbridge.PatternSolidColor, nil
	case "noise":
		return mrbridge.PatternNoise, nil
	case "box":
		return mrbridge.PatternMovingBox, nil
	}
	return 0, fmt.Errorf("unknown pattern %q", s)
}
