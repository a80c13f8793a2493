package call

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/careport/signcall/internal/proto"
	"github.com/careport/signcall/internal/signal"
)

// fakeDataChannel is a scriptable in-memory data channel.
type fakeDataChannel struct {
	mu        sync.Mutex
	label     string
	open      bool
	closed    bool
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (c *fakeDataChannel) Label() string { return c.label }

func (c *fakeDataChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeDataChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("channel not open")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeDataChannel) OnOpen(fn func())            { c.onOpen = fn }
func (c *fakeDataChannel) OnClose(fn func())           { c.onClose = fn }
func (c *fakeDataChannel) OnMessage(fn func(b []byte)) { c.onMessage = fn }

func (c *fakeDataChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *fakeDataChannel) simulateOpen() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *fakeDataChannel) deliver(t *testing.T, raw string) {
	t.Helper()
	if c.onMessage == nil {
		t.Fatal("no message handler wired")
	}
	c.onMessage([]byte(raw))
}

func (c *fakeDataChannel) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeTrack records whether it was stopped.
type fakeTrack struct {
	id      string
	kind    string
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTrack) ID() string   { return f.id }
func (f *fakeTrack) Kind() string { return f.kind }
func (f *fakeTrack) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTrack) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeTransport is a scriptable Transport that produces canned descriptions
// and records everything applied to it.
type fakeTransport struct {
	mu        sync.Mutex
	remoteSet bool
	added     []string
	closed    bool
	tracks    []Track
	dc        *fakeDataChannel

	onLocalCand func(signal.ICECandidateInit)
	onDC        func(DataChannel)
	onState     func(TransportState)
	onTrack     func(Track)

	offerErr  error
	answerErr error
	acceptErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		tracks: []Track{
			&fakeTrack{id: "local-video", kind: "video"},
			&fakeTrack{id: "local-audio", kind: "audio"},
		},
	}
}

func (f *fakeTransport) CreateOffer(context.Context) (signal.SessionDescription, error) {
	if f.offerErr != nil {
		return signal.SessionDescription{}, f.offerErr
	}
	return signal.SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (f *fakeTransport) CreateAnswer(_ context.Context, offer signal.SessionDescription) (signal.SessionDescription, error) {
	if f.answerErr != nil {
		return signal.SessionDescription{}, f.answerErr
	}
	f.mu.Lock()
	f.remoteSet = true
	f.mu.Unlock()
	return signal.SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (f *fakeTransport) AcceptAnswer(signal.SessionDescription) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.mu.Lock()
	f.remoteSet = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeTransport) AddRemoteCandidate(c signal.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return errors.New("no remote description")
	}
	f.added = append(f.added, c.Candidate)
	return nil
}

func (f *fakeTransport) CreateDataChannel(label string) (DataChannel, error) {
	f.dc = &fakeDataChannel{label: label}
	return f.dc, nil
}

func (f *fakeTransport) OnDataChannel(fn func(DataChannel))                { f.onDC = fn }
func (f *fakeTransport) OnLocalCandidate(fn func(signal.ICECandidateInit)) { f.onLocalCand = fn }
func (f *fakeTransport) OnRemoteTrack(fn func(Track))                      { f.onTrack = fn }
func (f *fakeTransport) OnConnectionState(fn func(TransportState))         { f.onState = fn }

func (f *fakeTransport) LocalTracks() []Track { return f.tracks }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) addedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

func (f *fakeTransport) factory() TransportFactory {
	return func(context.Context) (Transport, error) { return f, nil }
}

// statusRecorder keeps the ordered status history of a session.
type statusRecorder struct {
	mu      sync.Mutex
	history []Status
}

func (r *statusRecorder) record(s Status, _ string) {
	r.mu.Lock()
	r.history = append(r.history, s)
	r.mu.Unlock()
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return ""
	}
	return r.history[len(r.history)-1]
}

func TestCallerFlow(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	transport := newFakeTransport()
	rec := &statusRecorder{}

	s := NewSession(signal.NewChannel(store), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
		Events:    Events{OnStatus: rec.record},
	})

	roomID, err := s.CreateRoom(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusReady {
		t.Fatalf("status = %s, want ready", s.Status())
	}
	if s.Role() != signal.RoleCaller {
		t.Fatalf("role = %s, want caller", s.Role())
	}
	if transport.dc == nil || transport.dc.label != "asl" {
		t.Fatalf("data channel not created with default label, got %+v", transport.dc)
	}
	if len(s.LocalStream().Tracks()) != 2 {
		t.Fatalf("local tracks = %d, want 2", len(s.LocalStream().Tracks()))
	}

	// The offer must be readable by the other side.
	remote := signal.NewChannel(store)
	offer, err := remote.JoinRoom(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if offer.SDP != "v=0 fake-offer" {
		t.Fatalf("published offer = %q", offer.SDP)
	}

	// Local candidates flow into the caller collection.
	transport.onLocalCand(signal.ICECandidateInit{Candidate: "local-1"})
	var callerCands []string
	cancel, err := remote.WatchRemoteCandidates(ctx, roomID, signal.RoleCallee, func(c signal.ICECandidateInit) {
		callerCands = append(callerCands, c.Candidate)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if !reflect.DeepEqual(callerCands, []string{"local-1"}) {
		t.Fatalf("caller candidates = %v", callerCands)
	}

	// Candidates arriving before the answer are buffered, then applied in
	// order once the answer lands.
	remote.SendLocalCandidate(ctx, roomID, signal.RoleCallee, signal.ICECandidateInit{Candidate: "early-1"})
	remote.SendLocalCandidate(ctx, roomID, signal.RoleCallee, signal.ICECandidateInit{Candidate: "early-2"})
	if got := transport.addedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before answer: %v", got)
	}

	if err := remote.PublishAnswer(ctx, roomID, signal.SessionDescription{Type: "answer", SDP: "v=0 remote"}, "pt-kim"); err != nil {
		t.Fatal(err)
	}
	if !transport.HasRemoteDescription() {
		t.Fatal("answer not applied")
	}
	if got := transport.addedCandidates(); !reflect.DeepEqual(got, []string{"early-1", "early-2"}) {
		t.Fatalf("buffered candidates = %v, want in order", got)
	}

	// Post-answer candidates apply directly.
	remote.SendLocalCandidate(ctx, roomID, signal.RoleCallee, signal.ICECandidateInit{Candidate: "late-1"})
	if got := transport.addedCandidates(); !reflect.DeepEqual(got, []string{"early-1", "early-2", "late-1"}) {
		t.Fatalf("candidates = %v", got)
	}

	// A re-delivered answer snapshot is a no-op.
	store.Redeliver(roomID)

	transport.onState(TransportConnected)
	if s.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", s.Status())
	}
	if rec.last() != StatusConnected {
		t.Fatalf("last event = %s", rec.last())
	}
}

func TestCalleeFlow(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	remote := signal.NewChannel(store)

	roomID, err := remote.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.PublishOffer(ctx, roomID, signal.SessionDescription{Type: "offer", SDP: "v=0 caller"}); err != nil {
		t.Fatal(err)
	}

	transport := newFakeTransport()
	s := NewSession(signal.NewChannel(store), Options{
		SelfID:    "pt-kim",
		Transport: transport.factory(),
	})
	if err := s.JoinRoom(ctx, roomID); err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusReady {
		t.Fatalf("status = %s, want ready", s.Status())
	}
	if s.Role() != signal.RoleCallee {
		t.Fatalf("role = %s", s.Role())
	}

	// The answer must be visible on the room.
	room, err := store.GetRoom(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if room.Answer == nil || room.Answer.SDP != "v=0 fake-answer" {
		t.Fatalf("answer = %+v", room.Answer)
	}
	if room.AnsweredBy != "pt-kim" {
		t.Fatalf("answeredBy = %q", room.AnsweredBy)
	}

	// Caller candidates apply directly: the remote description was set when
	// the answer was created.
	remote.SendLocalCandidate(ctx, roomID, signal.RoleCaller, signal.ICECandidateInit{Candidate: "from-caller"})
	if got := transport.addedCandidates(); !reflect.DeepEqual(got, []string{"from-caller"}) {
		t.Fatalf("candidates = %v", got)
	}
}

func TestJoinRoomNotFound(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "pt-kim",
		Transport: transport.factory(),
	})
	err := s.JoinRoom(context.Background(), "no-such-room")
	if !errors.Is(err, signal.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	if s.Status() != StatusError {
		t.Fatalf("status = %s, want error", s.Status())
	}
	if s.Err() == "" {
		t.Fatal("error reason not recorded")
	}
}

func TestJoinBeforeOfferFails(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	roomID, _ := store.CreateRoom(ctx, "dr-lee")

	s := NewSession(signal.NewChannel(store), Options{
		SelfID:    "pt-kim",
		Transport: newFakeTransport().factory(),
	})
	if err := s.JoinRoom(ctx, roomID); !errors.Is(err, signal.ErrOfferNotReady) {
		t.Fatalf("err = %v, want ErrOfferNotReady", err)
	}
}

func TestUnauthenticatedSession(t *testing.T) {
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		Transport: newFakeTransport().factory(),
	})
	if _, err := s.CreateRoom(context.Background()); !errors.Is(err, signal.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if s.Status() != StatusError {
		t.Fatalf("status = %s, want error", s.Status())
	}
}

func TestMediaDenied(t *testing.T) {
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID: "dr-lee",
		Transport: func(context.Context) (Transport, error) {
			return nil, ErrMediaDenied
		},
	})
	if _, err := s.CreateRoom(context.Background()); !errors.Is(err, ErrMediaDenied) {
		t.Fatalf("err = %v, want ErrMediaDenied", err)
	}
	if s.Status() != StatusError {
		t.Fatalf("status = %s, want error", s.Status())
	}
}

func TestSessionIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "dr-lee",
		Transport: newFakeTransport().factory(),
	})
	if _, err := s.CreateRoom(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRoom(ctx); err == nil {
		t.Fatal("second CreateRoom should fail")
	}
}

func TestHangUpIdempotent(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	transport := newFakeTransport()
	s := NewSession(signal.NewChannel(store), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
	})

	roomID, err := s.CreateRoom(ctx)
	if err != nil {
		t.Fatal(err)
	}
	transport.dc.simulateOpen()

	s.HangUp(HangUpOptions{DeleteRoom: true})
	s.HangUp(HangUpOptions{DeleteRoom: true}) // second call must be a no-op

	if s.Status() != StatusEnded {
		t.Fatalf("status = %s, want ended", s.Status())
	}
	if !transport.closed {
		t.Fatal("transport not closed")
	}
	if !transport.dc.closed {
		t.Fatal("data channel not closed")
	}
	for _, track := range transport.tracks {
		if !track.(*fakeTrack).wasStopped() {
			t.Fatalf("track %s not stopped", track.ID())
		}
	}
	if _, err := store.GetRoom(ctx, roomID); !errors.Is(err, signal.ErrRoomNotFound) {
		t.Fatalf("room should be deleted, got %v", err)
	}
	if s.DataChannelReady() {
		t.Fatal("data channel still reported ready")
	}
}

func TestHangUpFromConnected(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
	})
	if _, err := s.CreateRoom(ctx); err != nil {
		t.Fatal(err)
	}
	transport.onState(TransportConnected)

	s.HangUp(HangUpOptions{})
	if s.Status() != StatusEnded {
		t.Fatalf("status = %s, want ended", s.Status())
	}
}

func TestTransportFailureEntersError(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	rec := &statusRecorder{}
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
		Events:    Events{OnStatus: rec.record},
	})
	if _, err := s.CreateRoom(ctx); err != nil {
		t.Fatal(err)
	}

	transport.onState(TransportFailed)
	if s.Status() != StatusError {
		t.Fatalf("status = %s, want error", s.Status())
	}
	if !transport.closed {
		t.Fatal("transport not released on failure")
	}

	// Terminal state absorbs later connectivity noise.
	transport.onState(TransportConnected)
	if s.Status() != StatusError {
		t.Fatalf("status escaped terminal error: %s", s.Status())
	}
}

func TestDataChannelDispatch(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()

	var chats []string
	var batches []proto.SignTokenBatch
	var dcStates []bool
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
		Events: Events{
			OnRemoteChat:       func(text string) { chats = append(chats, text) },
			OnRemoteSignTokens: func(b proto.SignTokenBatch) { batches = append(batches, b) },
			OnDataChannel:      func(open bool) { dcStates = append(dcStates, open) },
		},
	})
	if _, err := s.CreateRoom(ctx); err != nil {
		t.Fatal(err)
	}

	dc := transport.dc
	dc.simulateOpen()
	if !s.DataChannelReady() {
		t.Fatal("data channel not reported ready")
	}

	dc.deliver(t, `{"type":"chat.text","text":"how are you"}`)
	dc.deliver(t, `{"type":"asl.signTokens","tokens":["YOU","PAIN"],"cadenceMs":900}`)
	dc.deliver(t, `this is not json`)
	dc.deliver(t, `{"type":"unknown.kind"}`)

	if !reflect.DeepEqual(chats, []string{"how are you"}) {
		t.Fatalf("chats = %v", chats)
	}
	if len(batches) != 1 || !reflect.DeepEqual(batches[0].Tokens, []string{"YOU", "PAIN"}) {
		t.Fatalf("batches = %+v", batches)
	}
	if !reflect.DeepEqual(dcStates, []bool{true}) {
		t.Fatalf("dc states = %v", dcStates)
	}
}

func TestSendBeforeChannelOpenIsNoop(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
	})
	if _, err := s.CreateRoom(ctx); err != nil {
		t.Fatal(err)
	}

	s.SendChatText("too early") // channel not open yet
	if got := transport.dc.sentMessages(); len(got) != 0 {
		t.Fatalf("sent = %v, want none", got)
	}

	transport.dc.simulateOpen()
	s.SendChatText("hello")
	s.SendSignTokens(proto.SignTokenBatch{Tokens: []string{"YOU", "FEVER"}, CadenceMs: 900})

	got := transport.dc.sentMessages()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want 2", len(got))
	}
	for i, raw := range got {
		if proto.Decode(raw) == nil {
			t.Fatalf("message %d does not decode: %s", i, raw)
		}
	}
}

func TestBackToBackBatchesKeepOrder(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	s := NewSession(signal.NewChannel(signal.NewMemoryStore()), Options{
		SelfID:    "dr-lee",
		Transport: transport.factory(),
	})
	if _, err := s.CreateRoom(ctx); err != nil {
		t.Fatal(err)
	}
	transport.dc.simulateOpen()

	for i := 0; i < 5; i++ {
		s.SendSignTokens(proto.SignTokenBatch{
			Tokens:     []string{"GO"},
			SourceText: fmt.Sprintf("msg-%d", i),
		})
	}
	got := transport.dc.sentMessages()
	if len(got) != 5 {
		t.Fatalf("sent %d, want 5", len(got))
	}
	for i, raw := range got {
		batch, ok := proto.Decode(raw).(proto.SignTokenBatch)
		if !ok {
			t.Fatalf("message %d wrong type", i)
		}
		if want := fmt.Sprintf("msg-%d", i); batch.SourceText != want {
			t.Fatalf("message %d out of order: %q", i, batch.SourceText)
		}
	}
}
