package output

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

type fakeCodec struct {
	mu      sync.Mutex
	opens   []EncoderParams
	sizes   [][2]int
	closes  int
	encoded []uint64
	fresh   bool
	openErr error
}

func (c *fakeCodec) Open(width, height int, format frame.PixelFormat, params EncoderParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		err := c.openErr
		c.openErr = nil
		return err
	}
	c.opens = append(c.opens, params)
	c.sizes = append(c.sizes, [2]int{width, height})
	c.fresh = true
	return nil
}

func (c *fakeCodec) Encode(f *frame.Buffer) ([]EncodedPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoded = append(c.encoded, f.Sequence)
	key := c.fresh
	c.fresh = false
	return []EncodedPacket{{Data: []byte{0, 0, 0, 1}, Timestamp: f.Timestamp, Sequence: f.Sequence, KeyFrame: key}}, nil
}

func (c *fakeCodec) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeCodec) snapshot() ([]EncoderParams, [][2]int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EncoderParams(nil), c.opens...), append([][2]int(nil), c.sizes...), c.closes
}

func startEncoder(t *testing.T, codec VideoCodec) *Encoder {
	t.Helper()
	e, err := NewEncoder(context.Background(), service.Options{Name: "encoder"}, codec, DefaultEncoderParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Stop()
		e.Join()
	})
	return e
}

// TestEncoder_ParamsApplyOnNextFrame changes the bitrate between two
// frames and expects the codec to be reopened exactly once with it.
func TestEncoder_ParamsApplyOnNextFrame(t *testing.T) {
	codec := &fakeCodec{}
	e := startEncoder(t, codec)

	e.SubmitFrame(xrgbFrame(4, 4, 1, 0, 0, 0))
	waitFor(t, "first frame", func() bool { return e.Stats().FramesProcessed == 1 })

	p := DefaultEncoderParams()
	p.Bitrate = 4000
	if err := e.SetParams(p); err != nil {
		t.Fatal(err)
	}
	if got := e.Params().Bitrate; got != 4000 {
		t.Fatalf("Params().Bitrate = %d", got)
	}

	opens, _, _ := codec.snapshot()
	if len(opens) != 1 {
		t.Fatalf("codec reopened before the next frame: %d opens", len(opens))
	}

	e.SubmitFrame(xrgbFrame(4, 4, 2, 0, 0, 0))
	waitFor(t, "second frame", func() bool { return e.Stats().FramesProcessed == 2 })

	opens, _, closes := codec.snapshot()
	if len(opens) != 2 || opens[1].Bitrate != 4000 {
		t.Fatalf("opens = %+v, want a second open at 4000 kbit/s", opens)
	}
	if closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
	st := e.Stats()
	if st.Reopens != 1 || st.Packets != 2 || st.KeyFrames != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEncoder_RejectsInvalidParams(t *testing.T) {
	if _, err := NewEncoder(context.Background(), service.Options{}, &fakeCodec{}, EncoderParams{Codec: "vp9", Bitrate: 1, FPS: 1, GOP: 1}); !errors.Is(err, mediaerr.ErrConfiguration) {
		t.Fatalf("NewEncoder err = %v, want configuration error", err)
	}

	e, err := NewEncoder(context.Background(), service.Options{}, &fakeCodec{}, DefaultEncoderParams())
	if err != nil {
		t.Fatal(err)
	}
	bad := []EncoderParams{
		{Codec: CodecH264, Bitrate: 0, FPS: 30, GOP: 30},
		{Codec: CodecH264, Bitrate: 100, FPS: 0, GOP: 30},
		{Codec: CodecH265, Bitrate: 100, FPS: 30, GOP: 0},
		{Codec: "", Bitrate: 100, FPS: 30, GOP: 30},
	}
	for _, p := range bad {
		if err := e.SetParams(p); !errors.Is(err, mediaerr.ErrConfiguration) {
			t.Errorf("SetParams(%+v) = %v, want configuration error", p, err)
		}
	}
	if e.Params() != DefaultEncoderParams() {
		t.Errorf("rejected params were applied: %+v", e.Params())
	}
}

func TestEncoder_PacketCallbackCarriesCaptureMetadata(t *testing.T) {
	codec := &fakeCodec{}
	e := startEncoder(t, codec)

	var mu sync.Mutex
	var got []EncodedPacket
	e.SetPacketCallback(func(p EncodedPacket) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	for i := uint64(1); i <= 3; i++ {
		e.SubmitFrame(xrgbFrame(4, 4, i, 0, 0, 0))
	}
	waitFor(t, "three frames", func() bool { return e.Stats().FramesProcessed == 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("got %d packets", len(got))
	}
	for i, p := range got {
		seq := uint64(i + 1)
		if p.Sequence != seq || p.Timestamp != 1_000_000+seq*33_333 {
			t.Errorf("packet %d = seq %d ts %d", i, p.Sequence, p.Timestamp)
		}
	}
	if !got[0].KeyFrame || got[1].KeyFrame {
		t.Errorf("key frames = %v %v, want only the first", got[0].KeyFrame, got[1].KeyFrame)
	}
}

func TestEncoder_ReopensOnGeometryChange(t *testing.T) {
	codec := &fakeCodec{}
	e := startEncoder(t, codec)

	e.SubmitFrame(xrgbFrame(4, 4, 1, 0, 0, 0))
	e.SubmitFrame(xrgbFrame(4, 4, 2, 0, 0, 0))
	e.SubmitFrame(xrgbFrame(8, 2, 3, 0, 0, 0))
	waitFor(t, "three frames", func() bool { return e.Stats().FramesProcessed == 3 })

	_, sizes, _ := codec.snapshot()
	if len(sizes) != 2 || sizes[1] != [2]int{8, 2} {
		t.Fatalf("opens = %v, want 4x4 then 8x2", sizes)
	}
}

// TestEncoder_OpenFailureRetries fails the first open; the frame is
// counted as an error and the next frame opens the codec.
func TestEncoder_OpenFailureRetries(t *testing.T) {
	codec := &fakeCodec{openErr: errors.New("no encoder element")}
	e := startEncoder(t, codec)

	e.SubmitFrame(xrgbFrame(4, 4, 1, 0, 0, 0))
	e.SubmitFrame(xrgbFrame(4, 4, 2, 0, 0, 0))
	waitFor(t, "two frames", func() bool { return e.Stats().FramesProcessed == 2 })

	st := e.Stats()
	if st.FrameErrors != 1 || st.Packets != 1 {
		t.Fatalf("stats = %+v, want one error and one packet", st)
	}
}

func TestEncoder_JoinClosesCodec(t *testing.T) {
	codec := &fakeCodec{}
	e, err := NewEncoder(context.Background(), service.Options{}, codec, DefaultEncoderParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.SubmitFrame(xrgbFrame(4, 4, 1, 0, 0, 0))
	waitFor(t, "frame", func() bool { return e.Stats().FramesProcessed == 1 })

	e.Stop()
	e.Join()
	e.Join()
	if _, _, closes := codec.snapshot(); closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
}
