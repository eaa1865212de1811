package output

import (
	"bufio"
	"bytes"
	"context"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/overlay"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

func newMJPEG(t *testing.T, cfg MJPEGConfig, osd *overlay.Manager) *MJPEGOutput {
	t.Helper()
	m := NewMJPEGOutput(context.Background(), service.Options{}, cfg, osd)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.Stop()
		m.Join()
	})
	return m
}

func TestMJPEG_SkipsWithoutClients(t *testing.T) {
	m := newMJPEG(t, MJPEGConfig{}, nil)
	m.SubmitFrame(xrgbFrame(8, 8, 1, 0, 0, 0))
	waitFor(t, "frame", func() bool { return m.Stats().FramesProcessed == 1 })

	st := m.Stats()
	if st.Encoded != 0 || st.Skipped != 1 {
		t.Fatalf("stats = %+v, want one skipped frame", st)
	}
	if m.Latest() != nil {
		t.Error("frame encoded with no clients")
	}
}

// TestMJPEG_Throttle pins the clock so only the first of three frames
// falls outside the 10 fps interval.
func TestMJPEG_Throttle(t *testing.T) {
	m := NewMJPEGOutput(context.Background(), service.Options{}, MJPEGConfig{Config: Config{FPS: 10}}, nil)
	fixed := time.Unix(1000, 0)
	m.now = func() time.Time { return fixed }
	ch := m.register()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		m.Stop()
		m.Join()
	}()

	for i := uint64(1); i <= 3; i++ {
		m.SubmitFrame(xrgbFrame(8, 8, i, 0, 0, 0))
	}
	waitFor(t, "three frames", func() bool { return m.Stats().FramesProcessed == 3 })

	st := m.Stats()
	if st.Encoded != 1 || st.Skipped != 2 {
		t.Fatalf("stats = %+v, want 1 encoded 2 skipped", st)
	}
	select {
	case data := <-ch:
		if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
			t.Fatalf("broadcast is not a JPEG: %v", err)
		}
	default:
		t.Fatal("client received nothing")
	}
}

// TestMJPEG_HTTPStream reads one multipart part from the stream endpoint
// and checks it decodes at the configured preview size.
func TestMJPEG_HTTPStream(t *testing.T) {
	m := newMJPEG(t, MJPEGConfig{Config: Config{Width: 32, Height: 16}, Quality: 70}, overlay.NewDefaultManager())
	srv := httptest.NewServer(m.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}

	waitFor(t, "client registration", func() bool { return m.ClientCount() == 1 })
	m.SubmitFrame(xrgbFrame(64, 48, 1, 0x80, 0x80, 0x80))

	r := bufio.NewReader(resp.Body)
	boundary, err := r.ReadString('\n')
	if err != nil || boundary != "--frame\r\n" {
		t.Fatalf("boundary = %q, %v", boundary, err)
	}
	hdr, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		t.Fatal(err)
	}
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Fatalf("preview size = %v, want 32x16", b)
	}
}

func TestMJPEG_SnapshotHandler(t *testing.T) {
	m := newMJPEG(t, MJPEGConfig{}, nil)

	rec := httptest.NewRecorder()
	m.SnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before first frame = %d", rec.Code)
	}

	ch := m.register()
	defer m.unregister(ch)
	m.SubmitFrame(xrgbFrame(8, 8, 1, 0, 0, 0))
	waitFor(t, "encode", func() bool { return m.Stats().Encoded == 1 })

	rec = httptest.NewRecorder()
	m.SnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("status = %d type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestMJPEG_JoinDisconnectsClients(t *testing.T) {
	m := NewMJPEGOutput(context.Background(), service.Options{}, MJPEGConfig{}, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	ch := m.register()
	m.Stop()
	m.Join()

	if _, ok := <-ch; ok {
		t.Fatal("client channel still open after Join")
	}
	if m.register() != nil {
		t.Fatal("registration accepted after Join")
	}
}
