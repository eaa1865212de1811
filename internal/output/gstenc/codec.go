// Package gstenc implements output.VideoCodec on a GStreamer pipeline.
package gstenc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/output"
)

var gstInit sync.Once

var _ output.VideoCodec = (*Codec)(nil)

// maxPending bounds the capture metadata kept for frames the encoder has
// not emitted yet.
const maxPending = 64

type pendingFrame struct {
	timestamp uint64
	sequence  uint64
}

// Codec encodes through a GStreamer pipeline:
// appsrc -> videoconvert -> x264enc/x265enc -> appsink, pulled in polling
// mode so no cgo callbacks run on GStreamer threads.
type Codec struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink

	pullTimeout time.Duration
	pending     []pendingFrame
	log         *zerolog.Logger
}

// NewCodec returns a closed codec. pullTimeout bounds how long Encode
// waits for the first packet after pushing a frame.
func NewCodec(pullTimeout time.Duration) *Codec {
	if pullTimeout <= 0 {
		pullTimeout = 5 * time.Millisecond
	}
	return &Codec{pullTimeout: pullTimeout, log: logger.WithComponent("gstreamer")}
}

// rawCaps describes format as GStreamer source caps. The second return is
// the decode stage needed before videoconvert, if any.
func rawCaps(format frame.PixelFormat, width, height, fps int) (string, string, error) {
	var gstFormat string
	switch format {
	case frame.FormatNV12:
		gstFormat = "NV12"
	case frame.FormatNV21:
		gstFormat = "NV21"
	case frame.FormatYUYV:
		gstFormat = "YUY2"
	case frame.FormatRGB24:
		gstFormat = "RGB"
	case frame.FormatXRGB8888:
		gstFormat = "BGRx"
	case frame.FormatMJPEG:
		return fmt.Sprintf("image/jpeg,width=%d,height=%d,framerate=%d/1", width, height, fps), "jpegdec ! ", nil
	default:
		return "", "", fmt.Errorf("no GStreamer caps for %s", format)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1", gstFormat, width, height, fps), "", nil
}

func encoderStage(p output.EncoderParams) string {
	switch p.Codec {
	case output.CodecH265:
		return fmt.Sprintf(
			"x265enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d ! "+
				"video/x-h265,stream-format=byte-stream,alignment=au",
			p.Bitrate, p.GOP)
	default:
		return fmt.Sprintf(
			"x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d byte-stream=true ! "+
				"video/x-h264,stream-format=byte-stream,alignment=au",
			p.Bitrate, p.GOP)
	}
}

// Open builds and starts the pipeline.
func (c *Codec) Open(width, height int, format frame.PixelFormat, params output.EncoderParams) error {
	if c.pipeline != nil {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "open gstreamer codec", "already open")
	}
	caps, decode, err := rawCaps(format, width, height, params.FPS)
	if err != nil {
		return mediaerr.Config("open gstreamer codec", "%v", err)
	}

	gstInit.Do(func() { gst.Init(nil) })

	pipelineStr := "appsrc name=src is-live=true do-timestamp=true format=time ! " +
		decode +
		"videoconvert ! " +
		encoderStage(params) + " ! " +
		"appsink name=sink emit-signals=false sync=false max-buffers=8"

	c.log.Debug().Str("pipeline", pipelineStr).Str("caps", caps).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsrc: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	src := app.SrcFromElement(srcElement)
	src.SetCaps(gst.NewCapsFromString(caps))

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	c.pipeline = pipeline
	c.src = src
	c.sink = app.SinkFromElement(sinkElement)
	c.pending = c.pending[:0]
	return nil
}

// Encode pushes one frame and drains whatever packets are ready.
func (c *Codec) Encode(f *frame.Buffer) ([]output.EncodedPacket, error) {
	if c.pipeline == nil {
		return nil, mediaerr.Errorf(mediaerr.ErrInvalidState, "encode", "codec not open")
	}

	buf := gst.NewBufferFromBytes(f.Bytes())
	if ret := c.src.PushBuffer(buf); ret != gst.FlowOK {
		return nil, mediaerr.Processing("push frame to encoder", fmt.Errorf("flow return %v", ret))
	}
	c.pending = append(c.pending, pendingFrame{timestamp: f.Timestamp, sequence: f.Sequence})
	if n := len(c.pending); n > maxPending {
		c.pending = append(c.pending[:0], c.pending[n-maxPending:]...)
	}

	var out []output.EncodedPacket
	timeout := c.pullTimeout
	for {
		sample := c.sink.TryPullSample(timeout)
		if sample == nil {
			break
		}
		if pkt, ok := c.packet(sample); ok {
			out = append(out, pkt)
		}
		timeout = 0
	}
	return out, nil
}

func (c *Codec) packet(sample *gst.Sample) (output.EncodedPacket, bool) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return output.EncodedPacket{}, false
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return output.EncodedPacket{}, false
	}
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()

	pkt := output.EncodedPacket{
		Data:     data,
		KeyFrame: !buffer.HasFlags(gst.BufferFlagDeltaUnit),
	}
	// x264/x265 in zerolatency mode emit in input order
	if len(c.pending) > 0 {
		pkt.Timestamp = c.pending[0].timestamp
		pkt.Sequence = c.pending[0].sequence
		c.pending = c.pending[1:]
	}
	return pkt, true
}

// Close ends the stream and tears the pipeline down.
func (c *Codec) Close() error {
	if c.pipeline == nil {
		return nil
	}
	c.src.EndStream()
	err := c.pipeline.SetState(gst.StateNull)
	c.pipeline.Unref()
	c.pipeline, c.src, c.sink = nil, nil, nil
	c.pending = nil
	if err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}
