package signal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func sdp(kind, blob string) SessionDescription {
	return SessionDescription{Type: kind, SDP: blob}
}

func cand(c string) ICECandidateInit {
	return ICECandidateInit{Candidate: c}
}

func TestCreateRoomRequiresIdentity(t *testing.T) {
	ch := NewChannel(NewMemoryStore())
	for _, id := range []string{"", "   "} {
		if _, err := ch.CreateRoom(context.Background(), id); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("CreateRoom(%q) err = %v, want ErrUnauthenticated", id, err)
		}
	}
}

func TestJoinMissingRoom(t *testing.T) {
	ch := NewChannel(NewMemoryStore())
	if _, err := ch.JoinRoom(context.Background(), "no-such-room"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestJoinBeforeOffer(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(NewMemoryStore())
	roomID, err := ch.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.JoinRoom(ctx, roomID); !errors.Is(err, ErrOfferNotReady) {
		t.Fatalf("err = %v, want ErrOfferNotReady", err)
	}
}

func TestOfferIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ch := NewChannel(store)

	roomID, err := ch.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.PublishOffer(ctx, roomID, sdp("offer", "v=0 first")); err != nil {
		t.Fatal(err)
	}
	// The first published offer must survive any later publish attempt.
	if err := ch.PublishOffer(ctx, roomID, sdp("offer", "v=0 second")); err != nil {
		t.Fatal(err)
	}

	got, err := ch.JoinRoom(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SDP != "v=0 first" {
		t.Fatalf("offer sdp = %q, want the first one", got.SDP)
	}
}

func TestPublishOfferFromSecondChannelIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	creator := NewChannel(store)
	intruder := NewChannel(store)

	roomID, err := creator.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}
	if err := creator.PublishOffer(ctx, roomID, sdp("offer", "v=0 real")); err != nil {
		t.Fatal(err)
	}
	// A different peer without local publish state still may not overwrite.
	if err := intruder.PublishOffer(ctx, roomID, sdp("offer", "v=0 fake")); err != nil {
		t.Fatal(err)
	}

	got, err := creator.JoinRoom(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SDP != "v=0 real" {
		t.Fatalf("offer sdp = %q, want the first published offer", got.SDP)
	}
}

func TestWatchAnswerDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ch := NewChannel(store)

	roomID, err := ch.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.PublishOffer(ctx, roomID, sdp("offer", "v=0 offer")); err != nil {
		t.Fatal(err)
	}

	var answers []SessionDescription
	cancel, err := ch.WatchAnswer(ctx, roomID, func(a SessionDescription) {
		answers = append(answers, a)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := ch.PublishAnswer(ctx, roomID, sdp("answer", "v=0 answer"), "pt-kim"); err != nil {
		t.Fatal(err)
	}
	// Simulate the snapshot replays a real store produces on reconnect and
	// on unrelated field changes.
	store.Redeliver(roomID)
	store.Redeliver(roomID)

	if len(answers) != 1 {
		t.Fatalf("answer delivered %d times, want exactly once", len(answers))
	}
	if answers[0].SDP != "v=0 answer" {
		t.Fatalf("answer sdp = %q", answers[0].SDP)
	}

	room, err := store.GetRoom(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if room.AnsweredBy != "pt-kim" {
		t.Fatalf("answeredBy = %q, want pt-kim", room.AnsweredBy)
	}
	if room.AnsweredAt.IsZero() {
		t.Fatal("answeredAt not set")
	}
}

func TestPublishAnswerRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(NewMemoryStore())
	roomID, _ := ch.CreateRoom(ctx, "dr-lee")
	err := ch.PublishAnswer(ctx, roomID, sdp("answer", "v=0"), "")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestCandidateStreamsAreDirectional(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	caller := NewChannel(store)
	callee := NewChannel(store)

	roomID, err := caller.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}

	var atCallee []string
	cancel, err := callee.WatchRemoteCandidates(ctx, roomID, RoleCallee, func(c ICECandidateInit) {
		atCallee = append(atCallee, c.Candidate)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// Caller's own candidates must reach the callee; the callee's must not
	// echo back into its own watcher.
	if err := caller.SendLocalCandidate(ctx, roomID, RoleCaller, cand("caller-a")); err != nil {
		t.Fatal(err)
	}
	if err := callee.SendLocalCandidate(ctx, roomID, RoleCallee, cand("callee-a")); err != nil {
		t.Fatal(err)
	}
	if err := caller.SendLocalCandidate(ctx, roomID, RoleCaller, cand("caller-b")); err != nil {
		t.Fatal(err)
	}

	want := []string{"caller-a", "caller-b"}
	if !reflect.DeepEqual(atCallee, want) {
		t.Fatalf("callee saw %v, want %v", atCallee, want)
	}
}

func TestCandidateRedeliveryIsDeduped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ch := NewChannel(store)

	roomID, err := ch.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	cancel, err := ch.WatchRemoteCandidates(ctx, roomID, RoleCaller, func(c ICECandidateInit) {
		got = append(got, c.Candidate)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for i := 0; i < 5; i++ {
		c := fmt.Sprintf("cand-%d", i)
		if err := ch.SendLocalCandidate(ctx, roomID, RoleCallee, cand(c)); err != nil {
			t.Fatal(err)
		}
	}
	store.Redeliver(roomID)

	want := []string{"cand-0", "cand-1", "cand-2", "cand-3", "cand-4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("delivered %v, want each candidate once in order", got)
	}
}

func TestLateWatcherReceivesBacklog(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ch := NewChannel(store)

	roomID, err := ch.CreateRoom(ctx, "dr-lee")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"early-a", "early-b"} {
		if err := ch.SendLocalCandidate(ctx, roomID, RoleCallee, cand(c)); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	cancel, err := ch.WatchRemoteCandidates(ctx, roomID, RoleCaller, func(c ICECandidateInit) {
		got = append(got, c.Candidate)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	want := []string{"early-a", "early-b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("backlog = %v, want %v", got, want)
	}
}

func TestDeleteRoomSwallowsErrors(t *testing.T) {
	ch := NewChannel(NewMemoryStore())
	// Deleting a room that never existed must not panic or surface an error.
	ch.DeleteRoom(context.Background(), "no-such-room")
}

func TestStoreFailureTaggedUnavailable(t *testing.T) {
	ch := NewChannel(failingStore{})
	_, err := ch.CreateRoom(context.Background(), "dr-lee")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

// failingStore errors on every operation with a backend-flavored error.
type failingStore struct{}

var errBackend = errors.New("connection reset by peer")

func (failingStore) CreateRoom(context.Context, string) (string, error) { return "", errBackend }
func (failingStore) GetRoom(context.Context, string) (*RoomDoc, error)  { return nil, errBackend }
func (failingStore) UpdateRoom(context.Context, string, RoomUpdate) error {
	return errBackend
}
func (failingStore) WatchRoom(context.Context, string, func(*RoomDoc)) (func(), error) {
	return nil, errBackend
}
func (failingStore) AppendCandidate(context.Context, string, string, ICECandidateInit) error {
	return errBackend
}
func (failingStore) WatchCandidates(context.Context, string, string, func(CandidateRecord)) (func(), error) {
	return nil, errBackend
}
func (failingStore) DeleteRoom(context.Context, string) error { return errBackend }
func (failingStore) Close() error                             { return nil }
