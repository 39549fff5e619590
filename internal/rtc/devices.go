package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// DeviceProvider captures real camera and microphone tracks through
// mediadevices. It also implements EngineConfigurer so transports are
// built with the codecs the captured tracks encode to.
type DeviceProvider struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

// NewDeviceProvider builds a provider encoding VP8 video and Opus
// audio.
func NewDeviceProvider(videoBitrate int, logger *zap.Logger) (*DeviceProvider, error) {
	if videoBitrate <= 0 {
		videoBitrate = 500_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitrate
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	return &DeviceProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger.Named("devices"),
	}, nil
}

func (p *DeviceProvider) ConfigureEngine(engine *webrtc.MediaEngine) error {
	p.selector.Populate(engine)
	return nil
}

func (p *DeviceProvider) GetMedia(ctx context.Context, constraints MediaConstraints) ([]LocalTrack, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, nil
	}

	msc := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if constraints.Video {
		width, height := constraints.Width, constraints.Height
		if width <= 0 {
			width = 640
		}
		if height <= 0 {
			height = 480
		}
		msc.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(30)
		}
	}
	if constraints.Audio {
		msc.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		device := "microphone"
		if constraints.Video {
			device = "camera"
		}
		return nil, &AccessError{Device: device, Err: err}
	}

	var tracks []LocalTrack
	for _, t := range stream.GetVideoTracks() {
		tracks = append(tracks, newDeviceTrack(t, TrackVideo))
	}
	for _, t := range stream.GetAudioTracks() {
		tracks = append(tracks, newDeviceTrack(t, TrackAudio))
	}
	p.logger.Info("acquired local media", zap.Int("tracks", len(tracks)))
	return tracks, nil
}

type deviceTrack struct {
	track mediadevices.Track
	kind  TrackKind

	mu      sync.Mutex
	enabled bool
}

func newDeviceTrack(track mediadevices.Track, kind TrackKind) *deviceTrack {
	return &deviceTrack{track: track, kind: kind, enabled: true}
}

func (d *deviceTrack) Kind() TrackKind { return d.kind }

func (d *deviceTrack) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) Unwrap() webrtc.TrackLocal { return d.track }

func (d *deviceTrack) Close() error { return d.track.Close() }
