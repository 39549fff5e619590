// Package rtc owns the per-remote-peer connection state machine: it
// drives SDP negotiation through a signaling channel, buffers early
// ICE candidates, retries failed negotiations with backoff, and feeds
// the quality monitor while connected.
package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// TrackKind distinguishes the two local media tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is a capture-side media track handle. The core only
// consumes handles: enable/disable and attach-to-transport. Device
// enumeration stays inside the MediaProvider.
type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
	// Unwrap exposes the underlying track for transport attachment.
	Unwrap() webrtc.TrackLocal
}

// StatsSnapshot is the subset of transport statistics the quality
// monitor consumes.
type StatsSnapshot struct {
	RTT        time.Duration
	Bandwidth  float64 // available outgoing, bits per second
	PacketLoss float64 // ratio, 0.0-1.0
}

// Transport is one peer-connection primitive. The production
// implementation wraps pion/webrtc; tests use an in-memory fake.
type Transport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// HasRemoteDescription reports whether the remote description has
	// been applied; candidates arriving earlier must be buffered.
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// AttachMedia adds local tracks before negotiation starts.
	AttachMedia(tracks []LocalTrack) error
	// SetTrackEnabled mutes or unmutes an outgoing track without
	// renegotiation.
	SetTrackEnabled(kind TrackKind, enabled bool) error

	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(kind TrackKind))

	Stats(ctx context.Context) (StatsSnapshot, error)
	Close() error
}

// TransportFactory builds one Transport per remote peer, configured
// with the static STUN/TURN endpoint list.
type TransportFactory interface {
	NewTransport(ctx context.Context) (Transport, error)
}

// MediaConstraints selects which local tracks to acquire.
type MediaConstraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// MediaProvider acquires local media track handles.
type MediaProvider interface {
	GetMedia(ctx context.Context, c MediaConstraints) ([]LocalTrack, error)
}
