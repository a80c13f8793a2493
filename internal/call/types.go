package call

import (
	"context"
	"errors"
	"sync"

	"github.com/careport/signcall/internal/proto"
	"github.com/careport/signcall/internal/signal"
)

// Status is the finite consumer-visible state of one call session. There is
// no partial or ambiguous status: the UI always sees exactly one of these
// plus an optional error string.
type Status string

const (
	// StatusIdle is the initial state: no active session.
	StatusIdle Status = "idle"
	// StatusConnecting covers role assignment, media acquisition and local
	// description setup.
	StatusConnecting Status = "connecting"
	// StatusReady means our half of signaling is done — offer or answer
	// published — and we are waiting on the network.
	StatusReady Status = "ready"
	// StatusConnected means the transport reports connectivity. The data
	// channel may still be opening; it opens asynchronously soon after.
	StatusConnected Status = "connected"
	// StatusEnded is a clean local or remote hang-up. Terminal.
	StatusEnded Status = "ended"
	// StatusError is a failed precondition or transport failure. Terminal
	// for this session instance; recovery is a fresh session.
	StatusError Status = "error"
)

// ErrMediaDenied reports that local camera/microphone acquisition failed.
// It is not retried automatically.
var ErrMediaDenied = errors.New("call: media acquisition denied")

// Signaler is the only surface the call package needs from the signaling
// layer. *signal.Channel satisfies it; tests substitute fakes.
type Signaler interface {
	CreateRoom(ctx context.Context, creatorID string) (string, error)
	PublishOffer(ctx context.Context, roomID string, offer signal.SessionDescription) error
	WatchAnswer(ctx context.Context, roomID string, fn func(signal.SessionDescription)) (func(), error)
	JoinRoom(ctx context.Context, roomID string) (signal.SessionDescription, error)
	PublishAnswer(ctx context.Context, roomID string, answer signal.SessionDescription, answererID string) error
	SendLocalCandidate(ctx context.Context, roomID string, role signal.Role, cand signal.ICECandidateInit) error
	WatchRemoteCandidates(ctx context.Context, roomID string, role signal.Role, fn func(signal.ICECandidateInit)) (func(), error)
	DeleteRoom(ctx context.Context, roomID string)
}

// TransportState is the connectivity state reported by the peer-connection
// transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

// Transport is the peer-connection surface the session consumes: description
// negotiation, candidate exchange, data channels and connectivity callbacks.
// The production implementation wraps a Pion PeerConnection with local media
// already attached; tests substitute fakes.
type Transport interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer(ctx context.Context) (signal.SessionDescription, error)
	// CreateAnswer applies the remote offer, then creates and applies the
	// local answer.
	CreateAnswer(ctx context.Context, offer signal.SessionDescription) (signal.SessionDescription, error)
	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(answer signal.SessionDescription) error
	// HasRemoteDescription reports whether a remote description is applied.
	HasRemoteDescription() bool
	// AddRemoteCandidate applies one remote ICE candidate. Callers must not
	// invoke it before the remote description is set.
	AddRemoteCandidate(cand signal.ICECandidateInit) error

	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(fn func(DataChannel))
	OnLocalCandidate(fn func(signal.ICECandidateInit))
	OnRemoteTrack(fn func(Track))
	OnConnectionState(fn func(TransportState))

	// LocalTracks lists the captured local media tracks, if any.
	LocalTracks() []Track
	Close() error
}

// TransportFactory builds one transport per session. Media acquisition
// happens inside the factory; a cancelled context aborts it.
type TransportFactory func(ctx context.Context) (Transport, error)

// DataChannel is the reliable ordered message channel surface the session
// and the wire protocol consume.
type DataChannel interface {
	Label() string
	IsOpen() bool
	SendText(text string) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
	Close() error
}

// Track is one local or remote media track. Stop releases its resources and
// is safe to call more than once.
type Track interface {
	ID() string
	Kind() string
	Stop()
}

// MediaStream accumulates tracks as they are captured or arrive from the
// remote peer.
type MediaStream struct {
	mu     sync.Mutex
	tracks []Track
}

// Tracks returns a snapshot of the current tracks.
func (m *MediaStream) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Track(nil), m.tracks...)
}

func (m *MediaStream) add(t Track) {
	m.mu.Lock()
	m.tracks = append(m.tracks, t)
	m.mu.Unlock()
}

func (m *MediaStream) stopAll() {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = nil
	m.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// Events are the consumer-facing callbacks a session fires. Nil callbacks
// are skipped. Callbacks run on session goroutines and must not block.
type Events struct {
	// OnStatus fires on every state change, with the error reason when the
	// new status is StatusError.
	OnStatus func(status Status, reason string)
	// OnRemoteChat fires per inbound chat.text message.
	OnRemoteChat func(text string)
	// OnRemoteSignTokens fires per inbound asl.signTokens batch.
	OnRemoteSignTokens func(batch proto.SignTokenBatch)
	// OnRemoteTrack fires as remote media tracks arrive.
	OnRemoteTrack func(t Track)
	// OnDataChannel fires when the data channel opens (true) or closes.
	OnDataChannel func(ready bool)
}

// HangUpOptions controls optional cleanup during hang-up.
type HangUpOptions struct {
	// DeleteRoom removes the room record from the store, best-effort.
	DeleteRoom bool
}
