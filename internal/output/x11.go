package output

import (
	"context"
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/overlay"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// putImageBand bounds the payload of one PutImage request.
const putImageBand = 256 << 10

// X11Output shows frames in a desktop window, for development hosts
// without a free KMS output.
type X11Output struct {
	*service.ActiveService

	cfg Config
	osd *overlay.Manager

	conn          *xgb.Conn
	screen        *xproto.ScreenInfo
	window        xproto.Window
	gc            xproto.Gcontext
	bytesPerPixel int
	scanlinePad   int
}

// NewX11Output creates a stopped X11 preview. The window is created on
// Start. osd may be nil.
func NewX11Output(ctx context.Context, opts service.Options, cfg Config, osd *overlay.Manager) *X11Output {
	if opts.Name == "" {
		opts.Name = "x11"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	x := &X11Output{cfg: cfg, osd: osd}
	x.ActiveService = service.New(ctx, opts, x.handle)
	return x
}

// Start connects to the X server, maps the preview window and starts the
// worker.
func (x *X11Output) Start() error {
	if x.conn == nil {
		if err := x.openWindow(); err != nil {
			x.closeWindow()
			return mediaerr.Device("open X11 preview window", err)
		}
	}
	return x.ActiveService.Start()
}

func (x *X11Output) openWindow() error {
	log := logger.WithComponent(x.Name())

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	x.conn = conn
	x.screen = xproto.Setup(conn).DefaultScreen(conn)

	if err := x.pixmapFormat(); err != nil {
		return err
	}

	windowID, err := xproto.NewWindowId(conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000, // black background
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		conn,
		x.screen.RootDepth,
		windowID,
		x.screen.Root,
		0, 0,
		uint16(x.cfg.Width), uint16(x.cfg.Height),
		0,
		xproto.WindowClassInputOutput,
		x.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	x.window = windowID

	if err := x.setWindowTitle("CamStreamer - Preview"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := x.setWindowClass("camstreamer", "CamStreamer"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, x.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(x.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	x.gc = gc
	conn.Sync()

	log.Info().
		Int("width", x.cfg.Width).
		Int("height", x.cfg.Height).
		Uint32("window_id", uint32(x.window)).
		Msg("Preview window created")
	return nil
}

// pixmapFormat finds the ZPixmap layout for the root depth.
func (x *X11Output) pixmapFormat() error {
	depth := x.screen.RootDepth
	for _, f := range xproto.Setup(x.conn).PixmapFormats {
		if f.Depth == depth {
			x.bytesPerPixel = int(f.BitsPerPixel) / 8
			x.scanlinePad = int(f.ScanlinePad) / 8
			return nil
		}
	}
	return fmt.Errorf("no pixmap format for depth %d", depth)
}

func (x *X11Output) closeWindow() {
	if x.conn == nil {
		return
	}
	if x.gc != 0 {
		xproto.FreeGC(x.conn, x.gc)
		x.gc = 0
	}
	if x.window != 0 {
		xproto.DestroyWindow(x.conn, x.window)
		x.window = 0
	}
	x.conn.Sync()
	x.conn.Close()
	x.conn = nil
	logger.WithComponent(x.Name()).Info().Msg("Preview window closed")
}

// Join waits for the worker to exit and closes the window.
func (x *X11Output) Join() {
	x.ActiveService.Join()
	x.closeWindow()
}

func (x *X11Output) handle(f *frame.Buffer) error {
	img, err := frameRGBA(f)
	if err != nil {
		return err
	}
	out := letterbox(img, x.cfg.Width, x.cfg.Height)
	if x.osd != nil {
		x.osd.Render(out, x.osd.Observe(f))
	}
	return x.putImage(out)
}

// putImage sends img to the window in horizontal bands that stay under
// the request size limit.
func (x *X11Output) putImage(img *image.RGBA) error {
	data, stride, err := packZPixmap(img, x.bytesPerPixel, x.scanlinePad, x.screen.RootDepth)
	if err != nil {
		return err
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	rows := max(putImageBand/stride, 1)
	for y := 0; y < h; y += rows {
		n := min(rows, h-y)
		err := xproto.PutImageChecked(
			x.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(x.window),
			x.gc,
			uint16(w), uint16(n),
			0, int16(y),
			0,
			x.screen.RootDepth,
			data[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// packZPixmap converts RGBA into the server's ZPixmap byte layout with
// each scanline padded to scanlinePad bytes.
func packZPixmap(img *image.RGBA, bytesPerPixel, scanlinePad int, depth byte) ([]byte, int, error) {
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	if scanlinePad <= 0 {
		scanlinePad = 1
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	unpadded := w * bytesPerPixel
	stride := (unpadded + scanlinePad - 1) / scanlinePad * scanlinePad

	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := data[y*stride:]
		for i := 0; i < w; i++ {
			s, d := i*4, i*bytesPerPixel
			// byte order matches the visual masks: B, G, R
			dst[d] = src[s+2]
			dst[d+1] = src[s+1]
			dst[d+2] = src[s]
			if bytesPerPixel == 4 && depth == 32 {
				dst[d+3] = src[s+3]
			}
		}
	}
	return data, stride, nil
}
