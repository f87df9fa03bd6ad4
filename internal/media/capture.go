package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE

	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/config"
)

// Capturer acquires local capture tracks for a call. The production
// implementation talks to the platform's devices through pion/mediadevices;
// tests substitute fakes.
type Capturer interface {
	Capture(ctx context.Context, callType CallType) ([]Track, error)
}

// DeviceCapturer is the mediadevices-backed Capturer.
type DeviceCapturer struct {
	cfg      config.MediaConfig
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the codec selector (VP8 for video, Opus for
// audio) with the configured quality hints.
func NewDeviceCapturer(cfg config.MediaConfig) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %v", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %v", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &DeviceCapturer{cfg: cfg, selector: selector}, nil
}

// CodecSelector exposes the selector so a peer connection's media engine can
// register the same codecs.
func (d *DeviceCapturer) CodecSelector() *mediadevices.CodecSelector {
	return d.selector
}

// Capture requests user media. Audio is always captured; video only for
// video calls. Triggers the platform permission prompt if not yet granted.
func (d *DeviceCapturer) Capture(ctx context.Context, callType CallType) ([]Track, error) {
	if !callType.Valid() {
		return nil, callerr.New(callerr.KindDeviceFailure, "media.capture",
			fmt.Errorf("unsupported call type %q", callType))
	}

	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(d.cfg.SampleRate)
			c.SampleSize = prop.Int(16)
			c.ChannelCount = prop.Int(1)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(time.Millisecond * 50)
		},
		Codec: d.selector,
	}
	if callType == CallTypeVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(d.cfg.Width)
			c.Height = prop.Int(d.cfg.Height)
			c.FrameRate = prop.Float(float64(d.cfg.Framerate))
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyDeviceError("media.capture", err)
	}

	if err := ctx.Err(); err != nil {
		// The caller went away while the prompt was pending; hand nothing back.
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, callerr.New(callerr.KindStaleOperation, "media.capture", err)
	}

	tracks := make([]Track, 0, 2)
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, newDeviceTrack(t))
	}
	return tracks, nil
}

// classifyDeviceError maps platform capture failures onto the user-facing
// taxonomy. mediadevices does not expose typed errors for these, so the
// mapping goes by message.
func classifyDeviceError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed"):
		return callerr.New(callerr.KindDeviceDenied, op, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") || strings.Contains(msg, "failed to find"):
		return callerr.New(callerr.KindDeviceNotFound, op, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return callerr.New(callerr.KindDeviceBusy, op, err)
	default:
		return callerr.New(callerr.KindDeviceFailure, op, err)
	}
}

// deviceTrack adapts a mediadevices track to the Track interface. The
// enabled flag lives here, not in mediadevices: disabling only gates the
// RTP pump, the device stays open.
type deviceTrack struct {
	src     mediadevices.Track
	enabled atomic.Bool
	ended   atomic.Bool
	closeMu sync.Mutex
}

func newDeviceTrack(src mediadevices.Track) *deviceTrack {
	t := &deviceTrack{src: src}
	t.enabled.Store(true)
	return t
}

func (t *deviceTrack) ID() string { return t.src.ID() }

func (t *deviceTrack) Kind() TrackKind {
	if t.src.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

func (t *deviceTrack) Enabled() bool           { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *deviceTrack) ReadyState() TrackState {
	if t.ended.Load() {
		return TrackStateEnded
	}
	return TrackStateLive
}

func (t *deviceTrack) Stop() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.ended.Load() {
		return nil
	}
	err := t.src.Close()
	if err == nil {
		t.ended.Store(true)
	}
	return err
}

func (t *deviceTrack) NewRTPSource(mimeType string, ssrc uint32, mtu int) (RTPSource, error) {
	reader, err := t.src.NewRTPReader(mimeType, ssrc, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP reader: %v", err)
	}
	return &deviceRTPSource{reader: reader}, nil
}

type deviceRTPSource struct {
	reader mediadevices.RTPReadCloser
}

func (s *deviceRTPSource) ReadPackets() ([]*rtp.Packet, error) {
	pkts, _, err := s.reader.Read()
	return pkts, err
}

func (s *deviceRTPSource) Close() error { return s.reader.Close() }
