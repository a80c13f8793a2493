package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/careport/signcall/internal/signal"
)

// pliInterval is how often a PLI is sent for each remote video track so the
// sender refreshes with a keyframe after loss. Matches what browsers do for
// unreliable links.
const pliInterval = 3 * time.Second

// pionTransport adapts a Pion PeerConnection to the Transport interface.
type pionTransport struct {
	pc      *webrtc.PeerConnection
	closeFn func() // releases captured local media, may be nil
	local   []Track

	mu     sync.Mutex
	closed bool
}

// NewPionTransport builds a TransportFactory backed by Pion WebRTC. Local
// camera/microphone capture is attempted on platforms with driver support;
// elsewhere the connection is receive-only. iceServers may be nil for the
// default public STUN server.
func NewPionTransport(iceServers []string) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		pc, closeFn, tracks, err := initMediaPC(ctx, iceServers)
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc, closeFn: closeFn, local: tracks}, nil
	}
}

func (t *pionTransport) CreateOffer(ctx context.Context) (signal.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context, offer signal.SessionDescription) (signal.SessionDescription, error) {
	remote, err := toPionSDP(offer)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *pionTransport) AcceptAnswer(answer signal.SessionDescription) error {
	remote, err := toPionSDP(answer)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddRemoteCandidate(cand signal.ICECandidateInit) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (t *pionTransport) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (t *pionTransport) OnDataChannel(fn func(DataChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (t *pionTransport) OnLocalCandidate(fn func(signal.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		fn(signal.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *pionTransport) OnRemoteTrack(fn func(Track)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		track := newRemoteTrack(t.pc, remote)
		log.Printf("CALL: remote track %s (%s)", remote.ID(), remote.Kind())
		fn(track)
	})
}

func (t *pionTransport) OnConnectionState(fn func(TransportState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(TransportClosed)
		}
	})
}

func (t *pionTransport) LocalTracks() []Track { return t.local }

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.closeFn != nil {
		t.closeFn()
	}
	return t.pc.Close()
}

func toPionSDP(sd signal.SessionDescription) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(sd.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", sd.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: sd.SDP}, nil
}

// ── data channel ─────────────────────────────────────────────────────────────

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionDataChannel) Label() string { return c.dc.Label() }

func (c *pionDataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionDataChannel) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *pionDataChannel) OnOpen(fn func())  { c.dc.OnOpen(fn) }
func (c *pionDataChannel) OnClose(fn func()) { c.dc.OnClose(fn) }
func (c *pionDataChannel) Close() error      { return c.dc.Close() }

func (c *pionDataChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Binary frames are not part of the protocol.
		if !msg.IsString {
			return
		}
		fn(msg.Data)
	})
}

// ── remote tracks ────────────────────────────────────────────────────────────

// remoteTrack drains RTP from a remote track so Pion's interceptors keep
// running, and for video periodically requests a keyframe via PLI.
type remoteTrack struct {
	id   string
	kind string
	stop func()

	mu      sync.Mutex
	packets uint64
	lastSeq uint16
}

func newRemoteTrack(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) *remoteTrack {
	done := make(chan struct{})
	var once sync.Once
	t := &remoteTrack{
		id:   remote.ID(),
		kind: remote.Kind().String(),
		stop: func() { once.Do(func() { close(done) }) },
	}

	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go t.keyframeLoop(pc, uint32(remote.SSRC()), done)
	}
	go t.drainLoop(remote, done)
	return t
}

func (t *remoteTrack) ID() string   { return t.id }
func (t *remoteTrack) Kind() string { return t.kind }
func (t *remoteTrack) Stop()        { t.stop() }

// Packets returns how many RTP packets have arrived on this track.
func (t *remoteTrack) Packets() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets
}

func (t *remoteTrack) drainLoop(remote *webrtc.TrackRemote, done <-chan struct{}) {
	pkt := &rtp.Packet{}
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL: track %s read: %v", t.id, err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		t.mu.Lock()
		t.packets++
		t.lastSeq = pkt.SequenceNumber
		t.mu.Unlock()
	}
}

func (t *remoteTrack) keyframeLoop(pc *webrtc.PeerConnection, ssrc uint32, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			})
			if err != nil {
				return
			}
		}
	}
}
