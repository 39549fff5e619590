package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/topical-chat/topical/internal/matcher"
	"github.com/topical-chat/topical/internal/retry"
	"github.com/topical-chat/topical/internal/room"
	"github.com/topical-chat/topical/internal/rtc"
	"github.com/topical-chat/topical/internal/signal"
	"github.com/topical-chat/topical/internal/store"
)

// captureMedia records the constraints the session asked for and
// returns no tracks.
type captureMedia struct {
	got chan rtc.MediaConstraints
}

func (f *captureMedia) GetMedia(ctx context.Context, c rtc.MediaConstraints) ([]rtc.LocalTrack, error) {
	select {
	case f.got <- c:
	default:
	}
	return nil, nil
}

type stubTransport struct{}

func (stubTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "sdp"}, nil
}
func (stubTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "sdp"}, nil
}
func (stubTransport) SetLocalDescription(webrtc.SessionDescription) error     { return nil }
func (stubTransport) SetRemoteDescription(webrtc.SessionDescription) error    { return nil }
func (stubTransport) HasRemoteDescription() bool                              { return false }
func (stubTransport) AddICECandidate(webrtc.ICECandidateInit) error           { return nil }
func (stubTransport) AttachMedia([]rtc.LocalTrack) error                      { return nil }
func (stubTransport) SetTrackEnabled(rtc.TrackKind, bool) error               { return nil }
func (stubTransport) OnICECandidate(func(webrtc.ICECandidateInit))            {}
func (stubTransport) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (stubTransport) OnTrack(func(rtc.TrackKind))                             {}
func (stubTransport) Stats(ctx context.Context) (rtc.StatsSnapshot, error) {
	return rtc.StatsSnapshot{}, nil
}
func (stubTransport) Close() error { return nil }

type stubFactory struct{}

func (stubFactory) NewTransport(ctx context.Context) (rtc.Transport, error) {
	return stubTransport{}, nil
}

func testPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
}

func TestRunMediaConstraintsPerRole(t *testing.T) {
	testCases := []struct {
		name      string
		role      room.Role
		wantAudio bool
		wantVideo bool
	}{
		{"participant publishes what was configured", room.RoleParticipant, true, true},
		{"observer publishes nothing", room.RoleObserver, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			pol := testPolicy()
			media := &captureMedia{got: make(chan rtc.MediaConstraints, 1)}

			sess, err := New(Config{
				Matcher:     matcher.New(mem, pol, zap.NewNop()),
				Rooms:       mem,
				Channel:     signal.NewStoreChannel(mem, pol, zap.NewNop()),
				Factory:     stubFactory{},
				Media:       media,
				Constraints: rtc.MediaConstraints{Audio: true, Video: true, Width: 640, Height: 480},
				LeaseTTL:    time.Minute,
				Logger:      zap.NewNop(),
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- sess.Run(ctx, matcher.Criteria{Topic: "climate", UserID: "watcher", Role: tc.role})
			}()

			select {
			case got := <-media.got:
				if got.Audio != tc.wantAudio || got.Video != tc.wantVideo {
					t.Errorf("acquired constraints audio=%v video=%v, want audio=%v video=%v",
						got.Audio, got.Video, tc.wantAudio, tc.wantVideo)
				}
			case <-time.After(2 * time.Second):
				t.Error("media was never acquired")
			}

			cancel()
			select {
			case err := <-done:
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("Run returned %v, want context.Canceled", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
}
