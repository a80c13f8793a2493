package signal

import "context"

// Store is the document-store surface the signaling channel consumes. It is
// the only thing a backend has to provide: create-with-generated-id,
// get-by-id, merge-update, subscribe-to-document, append-to-sub-collection,
// subscribe-to-sub-collection and delete-by-id. No transactions are required
// across these operations.
//
// Subscription delivery is at-least-once, not exactly-once: a document watch
// may re-fire with unchanged data, and a candidate watch may re-deliver
// records that were already seen (typically after a reconnect). Deduplication
// is the Channel's job, keyed on CandidateRecord.ID.
type Store interface {
	// CreateRoom allocates a room record with a store-generated id.
	CreateRoom(ctx context.Context, creatorID string) (string, error)

	// GetRoom returns the current room document, or ErrRoomNotFound.
	GetRoom(ctx context.Context, roomID string) (*RoomDoc, error)

	// UpdateRoom merge-updates the room document. Updating a missing room
	// returns ErrRoomNotFound.
	UpdateRoom(ctx context.Context, roomID string, upd RoomUpdate) error

	// WatchRoom subscribes to room document changes. fn fires with the full
	// document on every change, potentially redundantly, until cancel is
	// called. The current document is delivered once on subscription.
	WatchRoom(ctx context.Context, roomID string, fn func(*RoomDoc)) (cancel func(), err error)

	// AppendCandidate appends a candidate to the named sub-collection.
	// Records are append-only and keep insertion order.
	AppendCandidate(ctx context.Context, roomID, collection string, c ICECandidateInit) error

	// WatchCandidates subscribes to a candidate sub-collection. fn fires per
	// record in insertion order; already-delivered records may fire again.
	WatchCandidates(ctx context.Context, roomID, collection string, fn func(CandidateRecord)) (cancel func(), err error)

	// DeleteRoom removes the room and abandons its candidate collections.
	DeleteRoom(ctx context.Context, roomID string) error

	// Close releases backend resources.
	Close() error
}
