package call

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/careport/signcall/internal/proto"
	"github.com/careport/signcall/internal/signal"
)

// Options configures one session.
type Options struct {
	// SelfID is this peer's identity, supplied by the external auth layer.
	// Empty means unauthenticated and fails room create/join immediately.
	SelfID string
	// Transport builds the peer connection (and acquires local media).
	Transport TransportFactory
	// DataChannelLabel names the application data channel. Default "asl".
	DataChannelLabel string
	// Events receive session callbacks.
	Events Events
}

// Session is one peer's view of a single call attempt. It owns the peer
// connection, the data channel and both media streams, and walks the
// Idle → Connecting → Ready → Connected graph with Ended and Error reachable
// from every non-terminal state. A session is single-use: after hang-up or
// error, start a new one.
type Session struct {
	sig  Signaler
	opts Options

	// ctx outlives any one call argument so that HangUp is the single
	// cancellation primitive for watchers and in-flight media acquisition.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	role      signal.Role
	roomID    string
	errMsg    string
	transport Transport
	dc        DataChannel
	dcReady   bool
	pending   []signal.ICECandidateInit // remote candidates awaiting the remote description
	cancels   []func()                  // store subscription cancels
	hung      bool

	local  MediaStream
	remote MediaStream
}

// NewSession creates an idle session. It holds no resources until CreateRoom
// or JoinRoom is called.
func NewSession(sig Signaler, opts Options) *Session {
	if opts.DataChannelLabel == "" {
		opts.DataChannelLabel = "asl"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		sig:    sig,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		status: StatusIdle,
	}
}

// Status returns the current state-machine state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Role returns the assigned role, or "" before assignment.
func (s *Session) Role() signal.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// RoomID returns the room this session signals through, or "".
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Err returns the human-readable failure reason when status is StatusError.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// LocalStream returns the local media stream handle.
func (s *Session) LocalStream() *MediaStream { return &s.local }

// RemoteStream returns the remote media stream handle, populated
// incrementally as tracks arrive.
func (s *Session) RemoteStream() *MediaStream { return &s.remote }

// DataChannelReady reports whether the data channel is open for sending.
func (s *Session) DataChannelReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dcReady
}

// CreateRoom starts an outbound call: allocates a room, publishes the offer
// and registers the answer and candidate watchers. On return the session is
// Ready (or Error) and the room id can be handed to the remote peer out of
// band.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	if err := s.begin(signal.RoleCaller); err != nil {
		return "", err
	}

	transport, err := s.buildTransport()
	if err != nil {
		return "", s.fail(err)
	}

	dc, err := transport.CreateDataChannel(s.opts.DataChannelLabel)
	if err != nil {
		return "", s.fail(fmt.Errorf("create data channel: %w", err))
	}
	s.wireDataChannel(dc)

	roomID, err := s.sig.CreateRoom(ctx, s.opts.SelfID)
	if err != nil {
		return "", s.fail(err)
	}
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()

	transport.OnLocalCandidate(func(cand signal.ICECandidateInit) {
		if err := s.sig.SendLocalCandidate(s.ctx, roomID, signal.RoleCaller, cand); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", roomID, err)
		}
	})

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return "", s.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := s.sig.PublishOffer(ctx, roomID, offer); err != nil {
		return "", s.fail(err)
	}

	cancelAnswer, err := s.sig.WatchAnswer(s.ctx, roomID, s.onAnswer)
	if err != nil {
		return "", s.fail(err)
	}
	s.addCancel(cancelAnswer)

	cancelCands, err := s.sig.WatchRemoteCandidates(s.ctx, roomID, signal.RoleCaller, s.onRemoteCandidate)
	if err != nil {
		return "", s.fail(err)
	}
	s.addCancel(cancelCands)

	s.setStatus(StatusReady, "")
	log.Printf("CALL [%s]: offer published, waiting for callee", roomID)
	return roomID, nil
}

// JoinRoom starts an inbound call: reads the offer, publishes the answer and
// registers the candidate watcher. Fails immediately when the room does not
// exist or has no offer yet.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	if err := s.begin(signal.RoleCallee); err != nil {
		return err
	}
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()

	offer, err := s.sig.JoinRoom(ctx, roomID)
	if err != nil {
		return s.fail(err)
	}

	transport, err := s.buildTransport()
	if err != nil {
		return s.fail(err)
	}

	// The caller opens the channel; we accept it passively.
	transport.OnDataChannel(s.wireDataChannel)

	transport.OnLocalCandidate(func(cand signal.ICECandidateInit) {
		if err := s.sig.SendLocalCandidate(s.ctx, roomID, signal.RoleCallee, cand); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", roomID, err)
		}
	})

	answer, err := transport.CreateAnswer(ctx, offer)
	if err != nil {
		return s.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := s.sig.PublishAnswer(ctx, roomID, answer, s.opts.SelfID); err != nil {
		return s.fail(err)
	}

	cancelCands, err := s.sig.WatchRemoteCandidates(s.ctx, roomID, signal.RoleCallee, s.onRemoteCandidate)
	if err != nil {
		return s.fail(err)
	}
	s.addCancel(cancelCands)

	s.setStatus(StatusReady, "")
	log.Printf("CALL [%s]: answer published", roomID)
	return nil
}

// HangUp tears the session down: cancels every store subscription, closes
// the data channel and peer connection, stops all local and remote tracks
// and optionally deletes the room record. Idempotent — a second call is a
// no-op and never panics. Terminal status becomes Ended.
func (s *Session) HangUp(opts HangUpOptions) {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	roomID := s.roomID
	s.mu.Unlock()

	s.releaseResources()

	if opts.DeleteRoom && roomID != "" {
		s.sig.DeleteRoom(context.Background(), roomID)
	}

	s.forceStatus(StatusEnded, "")
	if roomID != "" {
		log.Printf("CALL [%s]: hung up", roomID)
	}
}

// SendChatText sends a chat line over the data channel. A no-op when the
// channel is not open.
func (s *Session) SendChatText(text string) {
	proto.Send(s.channel(), proto.ChatText{Text: text})
}

// SendSignTokens sends a sign-token batch over the data channel. A no-op
// when the channel is not open.
func (s *Session) SendSignTokens(batch proto.SignTokenBatch) {
	proto.Send(s.channel(), batch)
}

// ── internals ────────────────────────────────────────────────────────────────

func (s *Session) begin(role signal.Role) error {
	if strings.TrimSpace(s.opts.SelfID) == "" {
		s.forceStatus(StatusError, "sign in required to start a call")
		return signal.ErrUnauthenticated
	}
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("call: session already used (status %s)", status)
	}
	s.role = role
	s.status = StatusConnecting
	s.mu.Unlock()
	s.fireStatus(StatusConnecting, "")
	return nil
}

// buildTransport acquires local media and the peer connection, and wires the
// transport callbacks that are role-independent.
func (s *Session) buildTransport() (Transport, error) {
	transport, err := s.opts.Transport(s.ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	for _, t := range transport.LocalTracks() {
		s.local.add(t)
	}

	transport.OnRemoteTrack(func(t Track) {
		s.remote.add(t)
		if fn := s.opts.Events.OnRemoteTrack; fn != nil {
			fn(t)
		}
	})

	transport.OnConnectionState(s.onTransportState)
	return transport, nil
}

// onAnswer applies the remote answer once. Stores re-deliver snapshots, and
// an answer that is already applied must be a no-op, not an error.
func (s *Session) onAnswer(answer signal.SessionDescription) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil || transport.HasRemoteDescription() {
		return
	}
	if err := transport.AcceptAnswer(answer); err != nil {
		s.failWith(fmt.Sprintf("apply answer: %v", err))
		return
	}
	s.flushPendingCandidates(transport)
}

// onRemoteCandidate applies or buffers one remote candidate. The transport
// requires the remote description first, and candidates may legitimately
// arrive before the answer does — both orderings are tolerated.
func (s *Session) onRemoteCandidate(cand signal.ICECandidateInit) {
	s.mu.Lock()
	transport := s.transport
	if transport == nil || !transport.HasRemoteDescription() {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := transport.AddRemoteCandidate(cand); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.RoomID(), err)
	}
}

func (s *Session) flushPendingCandidates(transport Transport) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, cand := range pending {
		if err := transport.AddRemoteCandidate(cand); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.RoomID(), err)
		}
	}
}

func (s *Session) onTransportState(state TransportState) {
	switch state {
	case TransportConnected:
		s.setStatus(StatusConnected, "")
	case TransportFailed:
		s.failWith("transport failed")
	case TransportDisconnected:
		s.failWith("transport disconnected")
	case TransportClosed:
		s.setStatus(StatusEnded, "")
	}
}

func (s *Session) wireDataChannel(dc DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() { s.setDataChannelReady(true) })
	dc.OnClose(func() { s.setDataChannelReady(false) })
	dc.OnMessage(func(data []byte) {
		msg := proto.Decode(string(data))
		if msg == nil {
			// Malformed input from the peer is dropped, never surfaced.
			return
		}
		switch m := msg.(type) {
		case proto.ChatText:
			if fn := s.opts.Events.OnRemoteChat; fn != nil {
				fn(m.Text)
			}
		case proto.SignTokenBatch:
			if fn := s.opts.Events.OnRemoteSignTokens; fn != nil {
				fn(m)
			}
		}
	})
}

func (s *Session) setDataChannelReady(ready bool) {
	s.mu.Lock()
	changed := s.dcReady != ready
	s.dcReady = ready
	s.mu.Unlock()
	if changed {
		if fn := s.opts.Events.OnDataChannel; fn != nil {
			fn(ready)
		}
	}
}

func (s *Session) channel() DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

func (s *Session) addCancel(fn func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, fn)
	s.mu.Unlock()
}

// setStatus advances the state machine along its defined transitions.
// Terminal states absorb all further events.
func (s *Session) setStatus(next Status, reason string) {
	s.mu.Lock()
	if s.status == StatusEnded || s.status == StatusError {
		s.mu.Unlock()
		return
	}
	if next == StatusConnected && s.status != StatusConnecting && s.status != StatusReady {
		s.mu.Unlock()
		return
	}
	if next == StatusReady && s.status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.errMsg = reason
	s.mu.Unlock()
	s.fireStatus(next, reason)
}

// forceStatus sets a terminal status regardless of the current one. Only
// hang-up and pre-start auth failures use it.
func (s *Session) forceStatus(next Status, reason string) {
	s.mu.Lock()
	if s.status == next {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.errMsg = reason
	s.mu.Unlock()
	s.fireStatus(next, reason)
}

func (s *Session) fireStatus(status Status, reason string) {
	if fn := s.opts.Events.OnStatus; fn != nil {
		fn(status, reason)
	}
}

// fail releases resources and parks the session in StatusError. The error is
// returned unchanged so callers can match it with errors.Is.
func (s *Session) fail(err error) error {
	s.failWith(err.Error())
	return err
}

func (s *Session) failWith(reason string) {
	s.setStatus(StatusError, reason)
	s.releaseResources()
	log.Printf("CALL [%s]: %s", s.RoomID(), reason)
}

// releaseResources tears down every held resource. Safe to call repeatedly;
// it must succeed even mid-negotiation, on every exit path.
func (s *Session) releaseResources() {
	s.cancel() // aborts watchers and any in-flight media acquisition

	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	dc := s.dc
	transport := s.transport
	s.dcReady = false
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range cancels {
		fn()
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			log.Printf("CALL [%s]: close data channel: %v", s.RoomID(), err)
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Printf("CALL [%s]: close transport: %v", s.RoomID(), err)
		}
	}
	s.local.stopAll()
	s.remote.stopAll()
}
