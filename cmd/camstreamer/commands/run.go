package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/CamStreamer/internal/api"
	"github.com/bryanchriswhite/CamStreamer/internal/capture"
	"github.com/bryanchriswhite/CamStreamer/internal/config"
	"github.com/bryanchriswhite/CamStreamer/internal/dispatch"
	"github.com/bryanchriswhite/CamStreamer/internal/drm"
	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/output"
	"github.com/bryanchriswhite/CamStreamer/internal/output/gstenc"
	"github.com/bryanchriswhite/CamStreamer/internal/overlay"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"serve"},
	Short:   "Start capturing and feed every enabled output",
	Long: `Open the capture device, start every output enabled in the configuration
and serve the status API until interrupted.

Outputs start before capture so no frame is lost to a consumer that is not
running yet; on shutdown capture stops first.`,
	Example: `  # Run with the configured device and outputs
  camstreamer run

  # Capture 1920x1080 YUYV from another camera
  camstreamer run --device /dev/video2 --width 1920 --height 1080 --format yuyv

  # Serve the API on another port with debug logging
  camstreamer run --port 9090 --log-level debug`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// pipeline is everything runRun builds, kept together for stats and
// teardown.
type pipeline struct {
	source     *capture.Source
	dispatcher *dispatch.Dispatcher
	encoder    *output.Encoder
	display    *output.DisplayOutput
	surface    *drm.Surface
	raw        *output.RawCallback
	preview    *output.MJPEGOutput
	x11        *output.X11Output

	closers []func() error
}

func runRun(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	initLogging(cfg)
	log := logger.WithComponent("main")

	log.Info().
		Str("config", configMgr.Path()).
		Str("device", cfg.Capture.Device).
		Str("mode", cfg.Capture.String()).
		Msg("Starting CamStreamer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, stop)
	if err != nil {
		return err
	}
	defer p.close()

	server := api.NewServer(api.Options{
		Stats:   p.stats,
		Display: displayControl(p.display),
		Encoder: encoderControl(p.encoder),
		Preview: previewHandlers(p.preview),
		Config:  configMgr,
	})

	if err := p.dispatcher.StartAll(); err != nil {
		return err
	}

	log.Info().
		Strs("outputs", p.dispatcher.Stats().Consumers).
		Int("port", cfg.ServerPort).
		Msg("CamStreamer is running, press Ctrl+C to stop")

	// The server and the shutdown watcher share one lifetime: a failed
	// listener cancels gctx and takes the pipeline down with it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.ServerPort); err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		p.dispatcher.StopAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		return nil
	})
	serveErr := g.Wait()

	log.Info().Interface("stats", p.stats()).Msg("Final statistics")
	return errors.Join(serveErr, p.source.Err())
}

func serviceOptions(name string, sc config.ServicesConfig) service.Options {
	log := logger.WithComponent(name)
	return service.Options{
		Name:                 name,
		QueueDepth:           sc.QueueDepth,
		WaitTimeout:          time.Duration(sc.WaitTimeoutMs) * time.Millisecond,
		DrainOnStop:          sc.DrainOnStop,
		MaxConsecutiveErrors: sc.MaxConsecutiveErrors,
		OnPersistentFailure: func(err error) {
			log.Error().Err(err).Msg("Output keeps failing, check its device and settings")
		},
	}
}

// buildPipeline creates the source and every enabled output. Nothing is
// started. cancel is called when capture fails for good.
func buildPipeline(ctx context.Context, cfg config.Config, cancel func()) (*pipeline, error) {
	log := logger.WithComponent("main")
	p := &pipeline{dispatcher: dispatch.New()}

	format, err := frame.ParsePixelFormat(cfg.Capture.Format)
	if err != nil {
		return nil, err
	}
	p.source = capture.NewSource(ctx, capture.SourceConfig{
		Device:      cfg.Capture.Device,
		Width:       cfg.Capture.Width,
		Height:      cfg.Capture.Height,
		Format:      format,
		BufferCount: cfg.Capture.BufferCount,
		WaitTimeout: time.Duration(cfg.Capture.DequeueTimeoutMs) * time.Millisecond,
	}, capture.OpenV4L2)
	p.source.SetErrorCallback(func(err error) {
		log.Error().Err(err).Msg("Capture stopped")
		cancel()
	})
	p.dispatcher.Attach(p.source)

	add := p.dispatcher.Add

	if cfg.Encoder.Enabled {
		if err := p.addEncoder(ctx, cfg, add); err != nil {
			p.close()
			return nil, err
		}
	}
	if cfg.Display.Enabled {
		if err := p.addDisplay(ctx, cfg, add); err != nil {
			p.close()
			return nil, err
		}
	}
	if cfg.Raw.Enabled {
		if err := p.addRaw(ctx, cfg, add); err != nil {
			p.close()
			return nil, err
		}
	}
	if cfg.Preview.Enabled {
		var osd *overlay.Manager
		if cfg.Preview.OSD {
			osd = overlay.NewDefaultManager()
		}
		p.preview = output.NewMJPEGOutput(ctx, serviceOptions("preview", cfg.Services), output.MJPEGConfig{
			Config:  output.Config{Width: cfg.Preview.Width, Height: cfg.Preview.Height, FPS: cfg.Preview.FPS},
			Quality: cfg.Preview.Quality,
		}, osd)
		if err := add(p.preview); err != nil {
			p.close()
			return nil, err
		}
	}
	if cfg.X11.Enabled {
		var osd *overlay.Manager
		if cfg.X11.OSD {
			osd = overlay.NewDefaultManager()
		}
		p.x11 = output.NewX11Output(ctx, serviceOptions("x11", cfg.Services),
			output.Config{Width: cfg.X11.Width, Height: cfg.X11.Height}, osd)
		if err := add(p.x11); err != nil {
			p.close()
			return nil, err
		}
	}

	if len(p.dispatcher.Consumers()) == 0 {
		log.Warn().Msg("No outputs enabled, frames will only be counted")
	}
	return p, nil
}

func (p *pipeline) addEncoder(ctx context.Context, cfg config.Config, add func(service.Consumer) error) error {
	params := output.EncoderParams{
		Codec:   cfg.Encoder.Codec,
		Bitrate: cfg.Encoder.Bitrate,
		FPS:     cfg.Encoder.FPS,
		GOP:     cfg.Encoder.GOP,
	}
	enc, err := output.NewEncoder(ctx, serviceOptions("encoder", cfg.Services), gstenc.NewCodec(0), params)
	if err != nil {
		return err
	}

	if cfg.Encoder.Output != "" {
		f, err := os.Create(cfg.Encoder.Output)
		if err != nil {
			return fmt.Errorf("failed to create encoder output: %w", err)
		}
		p.closers = append(p.closers, f.Close)
		writeLog := logger.NewLimiter(10 * time.Second)
		log := logger.WithComponent("encoder")
		enc.SetPacketCallback(func(pkt output.EncodedPacket) {
			if _, err := f.Write(pkt.Data); err != nil {
				if ok, suppressed := writeLog.Allow(); ok {
					log.Warn().Err(err).Uint64("suppressed", suppressed).Msg("Failed to write encoded packet")
				}
			}
		})
	}

	p.encoder = enc
	return add(enc)
}

func (p *pipeline) addDisplay(ctx context.Context, cfg config.Config, add func(service.Consumer) error) error {
	log := logger.WithComponent("main")
	dc := cfg.Display

	var open drm.Opener
	if dc.UseLogind {
		session, err := drm.NewLogindSession()
		if err != nil {
			log.Warn().Err(err).Msg("logind unavailable, opening the card directly")
		} else {
			p.closers = append(p.closers, session.Close)
			open = session.Open
		}
	}

	p.surface = drm.NewSurface(open)
	err := p.surface.Initialize(drm.Config{
		Device:       dc.Device,
		ConnectorID:  dc.ConnectorID,
		CrtcID:       dc.CrtcID,
		TargetWidth:  dc.TargetWidth,
		TargetHeight: dc.TargetHeight,
	})
	if err != nil {
		return err
	}
	p.closers = append(p.closers, func() error {
		p.surface.Teardown()
		return nil
	})

	display, err := output.NewDisplayOutput(ctx, serviceOptions("display", cfg.Services), p.surface, output.DisplayParams{
		X:       dc.X,
		Y:       dc.Y,
		Width:   dc.Width,
		Height:  dc.Height,
		Layer:   dc.Layer,
		Visible: dc.Visible,
	})
	if err != nil {
		return err
	}
	p.display = display
	return add(display)
}

func (p *pipeline) addRaw(ctx context.Context, cfg config.Config, add func(service.Consumer) error) error {
	fn := func(*frame.Buffer) error { return nil }
	if cfg.Raw.Output != "" {
		f, err := os.Create(cfg.Raw.Output)
		if err != nil {
			return fmt.Errorf("failed to create raw output: %w", err)
		}
		p.closers = append(p.closers, f.Close)
		fn = func(fb *frame.Buffer) error {
			_, err := f.Write(fb.Bytes())
			return err
		}
	}
	p.raw = output.NewRawCallback(ctx, serviceOptions("raw", cfg.Services), fn)
	return add(p.raw)
}

// stats gathers counters from every stage for the API and the final log.
func (p *pipeline) stats() any {
	st := map[string]any{
		"source":   p.source.Stats(),
		"dispatch": p.dispatcher.Stats(),
	}
	if p.encoder != nil {
		st["encoder"] = p.encoder.Stats()
	}
	if p.display != nil {
		st["display"] = p.display.Stats()
		st["surface"] = p.surface.Stats()
	}
	if p.raw != nil {
		st["raw"] = p.raw.Stats()
	}
	if p.preview != nil {
		st["preview"] = p.preview.Stats()
	}
	if p.x11 != nil {
		st["x11"] = p.x11.Stats()
	}
	return st
}

// close releases files, the display and the logind session in reverse
// order of creation.
func (p *pipeline) close() {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	if err := errors.Join(errs...); err != nil {
		logger.WithComponent("main").Warn().Err(err).Msg("Cleanup incomplete")
	}
}

// The API takes interfaces; a nil pointer must become a nil interface so
// the routes report "not enabled".

func displayControl(d *output.DisplayOutput) api.DisplayControl {
	if d == nil {
		return nil
	}
	return d
}

func encoderControl(e *output.Encoder) api.EncoderControl {
	if e == nil {
		return nil
	}
	return e
}

func previewHandlers(m *output.MJPEGOutput) api.Preview {
	if m == nil {
		return nil
	}
	return m
}
