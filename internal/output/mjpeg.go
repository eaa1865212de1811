package output

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/overlay"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// MJPEGConfig configures the browser preview. Width and Height of 0 keep
// the capture size; FPS of 0 sends every frame.
type MJPEGConfig struct {
	Config
	Quality int
}

// MJPEGStats extends the service counters with stream activity.
type MJPEGStats struct {
	service.Stats
	Encoded uint64 `json:"encoded"`
	Skipped uint64 `json:"skipped"`
	Clients int    `json:"clients"`
}

// MJPEGOutput streams frames as Motion JPEG over HTTP so the camera can be
// watched from a browser tab.
type MJPEGOutput struct {
	*service.ActiveService

	cfg      MJPEGConfig
	osd      *overlay.Manager
	interval time.Duration
	now      func() time.Time

	lastSent time.Time // worker goroutine only

	// Current frame buffer
	frameMu    sync.RWMutex
	latest     []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
	closed    bool

	encoded atomic.Uint64
	skipped atomic.Uint64
}

// NewMJPEGOutput creates a stopped MJPEG preview. osd may be nil.
func NewMJPEGOutput(ctx context.Context, opts service.Options, cfg MJPEGConfig, osd *overlay.Manager) *MJPEGOutput {
	if opts.Name == "" {
		opts.Name = "mjpeg"
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 80
	}
	m := &MJPEGOutput{
		cfg:     cfg,
		osd:     osd,
		now:     time.Now,
		clients: make(map[chan []byte]struct{}),
	}
	if cfg.FPS > 0 {
		m.interval = time.Second / time.Duration(cfg.FPS)
	}
	m.ActiveService = service.New(ctx, opts, m.handle)
	return m
}

func (m *MJPEGOutput) handle(f *frame.Buffer) error {
	var info overlay.Info
	if m.osd != nil {
		// every frame feeds the rate estimate, sent or not
		info = m.osd.Observe(f)
	}

	if m.ClientCount() == 0 {
		m.skipped.Add(1)
		return nil
	}
	now := m.now()
	if m.interval > 0 && !m.lastSent.IsZero() && now.Sub(m.lastSent) < m.interval {
		m.skipped.Add(1)
		return nil
	}

	img, err := frameRGBA(f)
	if err != nil {
		return err
	}
	if m.cfg.Width > 0 && m.cfg.Height > 0 {
		img = letterbox(img, m.cfg.Width, m.cfg.Height)
	}
	if m.osd != nil {
		m.osd.Render(img, info)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: m.cfg.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.latest = jpegData
	m.lastUpdate = now
	m.frameMu.Unlock()

	m.lastSent = now
	m.encoded.Add(1)
	m.broadcast(jpegData)
	return nil
}

// broadcast sends to every client without blocking; slow clients skip
// frames.
func (m *MJPEGOutput) broadcast(jpegData []byte) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (m *MJPEGOutput) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *MJPEGOutput) register() chan []byte {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if m.closed {
		return nil
	}
	ch := make(chan []byte, 2)
	m.clients[ch] = struct{}{}
	return ch
}

func (m *MJPEGOutput) unregister(ch chan []byte) int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	delete(m.clients, ch)
	return len(m.clients)
}

// Join waits for the worker to exit and disconnects all clients.
func (m *MJPEGOutput) Join() {
	m.ActiveService.Join()

	m.clientsMu.Lock()
	if !m.closed {
		m.closed = true
		for ch := range m.clients {
			close(ch)
		}
		m.clients = make(map[chan []byte]struct{})
	}
	m.clientsMu.Unlock()
}

// Latest returns the most recently encoded JPEG, or nil.
func (m *MJPEGOutput) Latest() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.latest
}

// Stats returns the service counters plus stream activity.
func (m *MJPEGOutput) Stats() MJPEGStats {
	return MJPEGStats{
		Stats:   m.ActiveService.Stats(),
		Encoded: m.encoded.Load(),
		Skipped: m.skipped.Load(),
		Clients: m.ClientCount(),
	}
}

// HTTPHandler serves the multipart MJPEG stream. Mount it at /stream.
func (m *MJPEGOutput) HTTPHandler() http.HandlerFunc {
	log := logger.WithComponent(m.Name())
	return func(w http.ResponseWriter, r *http.Request) {
		frameChan := m.register()
		if frameChan == nil {
			http.Error(w, "stream stopped", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		log.Info().Int("clients", m.ClientCount()).Msg("Stream client connected")
		defer func() {
			remaining := m.unregister(frameChan)
			log.Info().Int("clients", remaining).Msg("Stream client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
					return
				}
				if _, err := w.Write(jpegData); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// SnapshotHandler serves the latest frame as a single JPEG.
func (m *MJPEGOutput) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := m.Latest()
		if data == nil {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// ViewerHandler serves a full-window stream page with a live stats line.
func (m *MJPEGOutput) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>CamStreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
        .stats {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            border-radius: 20px;
            font-family: monospace;
            font-size: 13px;
            opacity: 0;
            transition: opacity 0.2s ease;
        }
        body:hover .stats { opacity: 1; }
    </style>
</head>
<body>
    <img src="/stream" alt="CamStreamer Live Stream">
    <div class="stats" id="stats">connecting...</div>
    <script>
        const el = document.getElementById('stats');
        function connect() {
            const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/stats/ws');
            ws.onmessage = (ev) => {
                const s = JSON.parse(ev.data);
                const src = s.source || {};
                el.textContent = 'captured ' + (src.frames || 0) +
                    '  timeouts ' + (src.timeouts || 0) +
                    '  fan-out ' + ((s.dispatch && s.dispatch.frames) || 0);
            };
            ws.onclose = () => { el.textContent = 'disconnected'; setTimeout(connect, 2000); };
        }
        connect();
    </script>
</body>
</html>`
