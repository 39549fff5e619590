package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// EngineConfigurer lets a media provider register the codecs its
// tracks produce before the API is built. mediadevices' CodecSelector
// implements this through PionProvider.
type EngineConfigurer interface {
	ConfigureEngine(engine *webrtc.MediaEngine) error
}

// PionFactory builds pion-backed transports sharing one ICE server
// configuration.
type PionFactory struct {
	config     webrtc.Configuration
	configurer EngineConfigurer
	logger     *zap.Logger
}

// NewPionFactory builds a factory. iceServers may be empty for
// host-only connectivity; configurer may be nil when the default
// codecs suffice.
func NewPionFactory(iceServers []webrtc.ICEServer, configurer EngineConfigurer, logger *zap.Logger) *PionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PionFactory{
		config:     webrtc.Configuration{ICEServers: iceServers},
		configurer: configurer,
		logger:     logger.Named("transport"),
	}
}

func (f *PionFactory) NewTransport(ctx context.Context) (Transport, error) {
	engine := &webrtc.MediaEngine{}
	if f.configurer != nil {
		if err := f.configurer.ConfigureEngine(engine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	pc, err := api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionTransport{pc: pc, logger: f.logger, senders: make(map[TrackKind]*webrtc.RTPSender)}, nil
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu      sync.Mutex
	senders map[TrackKind]*webrtc.RTPSender
	local   map[TrackKind]LocalTrack
	closed  bool

	// Inbound RTP accounting, kept as a loss fallback for transports
	// whose stats report carries no remote inbound entry yet.
	rtpMu    sync.Mutex
	lastSeq  uint16
	seqSeen  bool
	received uint64
	lost     uint64
}

func (t *pionTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return answer, nil
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(cand)
}

func (t *pionTransport) AttachMedia(tracks []LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		t.local = make(map[TrackKind]LocalTrack)
	}
	for _, track := range tracks {
		sender, err := t.pc.AddTrack(track.Unwrap())
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		t.senders[track.Kind()] = sender
		t.local[track.Kind()] = track
		go t.drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps the interceptor pipeline moving; sender reports are
// folded into GetStats so the payloads are discarded here.
func (t *pionTransport) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SetTrackEnabled mutes or unmutes an outgoing track in place. The
// sender stays in the SDP, so no renegotiation happens and the remote
// side simply stops receiving packets.
func (t *pionTransport) SetTrackEnabled(kind TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sender, ok := t.senders[kind]
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	track, ok := t.local[kind]
	if !ok {
		return fmt.Errorf("no local %s track", kind)
	}
	return sender.ReplaceTrack(track.Unwrap())
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		fn(cand.ToJSON())
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) OnTrack(fn func(TrackKind)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := TrackAudio
		if strings.HasPrefix(remote.Codec().MimeType, "video/") {
			kind = TrackVideo
		}
		fn(kind)
		go t.drainRemote(remote)
	})
}

// drainRemote consumes inbound RTP so pion keeps the receiver
// statistics current even when no renderer is attached, and tracks
// sequence gaps for the loss fallback.
func (t *pionTransport) drainRemote(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("remote track read ended", zap.Error(err))
			}
			return
		}
		t.recordInbound(pkt)
	}
}

func (t *pionTransport) recordInbound(pkt *rtp.Packet) {
	t.rtpMu.Lock()
	defer t.rtpMu.Unlock()
	if t.seqSeen {
		// uint16 arithmetic handles wraparound; large gaps are
		// reordering, not loss.
		gap := pkt.SequenceNumber - t.lastSeq
		if gap > 1 && gap < 1<<14 {
			t.lost += uint64(gap - 1)
		}
	}
	t.seqSeen = true
	t.lastSeq = pkt.SequenceNumber
	t.received++
}

func (t *pionTransport) inboundLossRatio() float64 {
	t.rtpMu.Lock()
	defer t.rtpMu.Unlock()
	total := t.received + t.lost
	if total == 0 {
		return 0
	}
	return float64(t.lost) / float64(total)
}

// Stats folds pion's stats report into a single snapshot. RTT and loss
// come from the remote inbound report, bandwidth from the nominated
// candidate pair.
func (t *pionTransport) Stats(ctx context.Context) (StatsSnapshot, error) {
	report := t.pc.GetStats()

	var snap StatsSnapshot
	var packetsLost int64
	var packetsReceived uint32
	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			if stat.RoundTripTime > 0 {
				snap.RTT = time.Duration(stat.RoundTripTime * float64(time.Second))
			}
			if stat.FractionLost > snap.PacketLoss {
				snap.PacketLoss = stat.FractionLost
			}
		case webrtc.InboundRTPStreamStats:
			packetsLost += int64(stat.PacketsLost)
			packetsReceived += stat.PacketsReceived
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded && stat.AvailableOutgoingBitrate > 0 {
				snap.Bandwidth = stat.AvailableOutgoingBitrate
			}
		}
	}
	if snap.PacketLoss == 0 && packetsReceived > 0 {
		total := float64(packetsLost) + float64(packetsReceived)
		snap.PacketLoss = float64(packetsLost) / total
	}
	if snap.PacketLoss == 0 {
		snap.PacketLoss = t.inboundLossRatio()
	}
	return snap, nil
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}
