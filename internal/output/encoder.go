package output

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/service"
)

// Supported codec names.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
)

// EncoderParams are the knobs of a running encoder.
type EncoderParams struct {
	Codec   string `json:"codec" yaml:"codec"`
	Bitrate int    `json:"bitrate" yaml:"bitrate"` // kbit/s
	FPS     int    `json:"fps" yaml:"fps"`
	GOP     int    `json:"gop" yaml:"gop"` // frames between key frames
}

// DefaultEncoderParams returns 2 Mbit/s H.264 at 30 fps with a one second
// GOP.
func DefaultEncoderParams() EncoderParams {
	return EncoderParams{Codec: CodecH264, Bitrate: 2000, FPS: 30, GOP: 30}
}

// Validate rejects parameters no codec can run with.
func (p EncoderParams) Validate() error {
	const op = "validate encoder params"
	switch p.Codec {
	case CodecH264, CodecH265:
	default:
		return mediaerr.Config(op, "unknown codec %q (want %s or %s)", p.Codec, CodecH264, CodecH265)
	}
	if p.Bitrate <= 0 {
		return mediaerr.Config(op, "bitrate must be positive, got %d", p.Bitrate)
	}
	if p.FPS <= 0 || p.FPS > 240 {
		return mediaerr.Config(op, "fps must be in 1..240, got %d", p.FPS)
	}
	if p.GOP <= 0 {
		return mediaerr.Config(op, "gop must be positive, got %d", p.GOP)
	}
	return nil
}

// EncodedPacket is one unit of compressed output.
type EncodedPacket struct {
	Data      []byte
	Timestamp uint64 // capture time of the source frame, microseconds
	Sequence  uint64
	KeyFrame  bool
}

// VideoCodec is the compression backend an Encoder drives. All methods are
// called from the encoder's worker goroutine.
type VideoCodec interface {
	Open(width, height int, format frame.PixelFormat, params EncoderParams) error
	// Encode consumes one frame and returns whatever packets are ready,
	// which may be none.
	Encode(f *frame.Buffer) ([]EncodedPacket, error)
	Close() error
}

// EncoderStats extends the service counters with codec output totals.
type EncoderStats struct {
	service.Stats
	Params    EncoderParams `json:"params"`
	Packets   uint64        `json:"packets"`
	Bytes     uint64        `json:"bytes"`
	KeyFrames uint64        `json:"key_frames"`
	Reopens   uint64        `json:"reopens"`
}

// Encoder compresses frames on its own goroutine. Parameter changes take
// effect on the next frame by reopening the codec.
type Encoder struct {
	*service.ActiveService

	codec VideoCodec

	mu       sync.Mutex
	params   EncoderParams
	dirty    bool
	onPacket func(EncodedPacket)

	// worker goroutine only
	open   bool
	width  int
	height int
	format frame.PixelFormat

	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyFrames atomic.Uint64
	reopens   atomic.Uint64
}

// NewEncoder validates params and returns a stopped encoder.
func NewEncoder(ctx context.Context, opts service.Options, codec VideoCodec, params EncoderParams) (*Encoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "encoder"
	}
	e := &Encoder{codec: codec, params: params}
	e.ActiveService = service.New(ctx, opts, e.handle)
	return e, nil
}

// SetParams validates p and schedules it for the next frame.
func (e *Encoder) SetParams(p EncoderParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.dirty = true
	e.mu.Unlock()

	logger.WithComponent(e.Name()).Info().
		Str("codec", p.Codec).
		Int("bitrate_kbps", p.Bitrate).
		Int("fps", p.FPS).
		Int("gop", p.GOP).
		Msg("Encoder parameters updated")
	return nil
}

// Params returns the most recently set parameters.
func (e *Encoder) Params() EncoderParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// SetPacketCallback installs fn to receive every packet. It runs on the
// encoder goroutine; the packet data is not reused afterwards.
func (e *Encoder) SetPacketCallback(fn func(EncodedPacket)) {
	e.mu.Lock()
	e.onPacket = fn
	e.mu.Unlock()
}

func (e *Encoder) handle(f *frame.Buffer) error {
	e.mu.Lock()
	params, dirty := e.params, e.dirty
	e.dirty = false
	onPacket := e.onPacket
	e.mu.Unlock()

	geometryChanged := f.Width != e.width || f.Height != e.height || f.Format != e.format
	if !e.open || dirty || geometryChanged {
		if err := e.reopen(f, params); err != nil {
			return err
		}
	}

	packets, err := e.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", f.Sequence, err)
	}
	for _, p := range packets {
		e.packets.Add(1)
		e.bytes.Add(uint64(len(p.Data)))
		if p.KeyFrame {
			e.keyFrames.Add(1)
		}
		if onPacket != nil {
			onPacket(p)
		}
	}
	return nil
}

func (e *Encoder) reopen(f *frame.Buffer, params EncoderParams) error {
	if e.open {
		if err := e.codec.Close(); err != nil {
			logger.WithComponent(e.Name()).Warn().Err(err).Msg("Codec close failed")
		}
		e.open = false
		e.reopens.Add(1)
	}
	if err := e.codec.Open(f.Width, f.Height, f.Format, params); err != nil {
		return mediaerr.Device(fmt.Sprintf("open %s codec %dx%d %s", params.Codec, f.Width, f.Height, f.Format), err)
	}
	e.open = true
	e.width, e.height, e.format = f.Width, f.Height, f.Format

	logger.WithComponent(e.Name()).Info().
		Str("codec", params.Codec).
		Int("width", f.Width).
		Int("height", f.Height).
		Str("format", f.Format.String()).
		Int("bitrate_kbps", params.Bitrate).
		Msg("Codec opened")
	return nil
}

// Join waits for the worker to exit and then closes the codec.
func (e *Encoder) Join() {
	e.ActiveService.Join()
	if !e.open {
		return
	}
	e.open = false
	if err := e.codec.Close(); err != nil {
		logger.WithComponent(e.Name()).Warn().Err(err).Msg("Codec close failed")
	}
}

// Stats returns the service counters plus codec totals.
func (e *Encoder) Stats() EncoderStats {
	return EncoderStats{
		Stats:     e.ActiveService.Stats(),
		Params:    e.Params(),
		Packets:   e.packets.Load(),
		Bytes:     e.bytes.Load(),
		KeyFrames: e.keyFrames.Load(),
		Reopens:   e.reopens.Load(),
	}
}
