package output

import (
	"testing"
	"time"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
)

// xrgbFrame returns an Owned XRGB8888 frame filled with one colour.
func xrgbFrame(w, h int, seq uint64, r, g, b byte) *frame.Buffer {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2] = b, g, r
	}
	f := frame.NewOwned(data)
	f.Width, f.Height, f.Stride = w, h, w*4
	f.Format = frame.FormatXRGB8888
	f.Sequence = seq
	f.Timestamp = 1_000_000 + seq*33_333
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
