package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Channel layers the signaling protocol over a Store: room create/join,
// one-shot offer/answer publication and two one-directional candidate
// streams. All methods are safe for concurrent use.
type Channel struct {
	store Store

	mu        sync.Mutex
	published map[string]bool // rooms this peer already published an offer for
}

// NewChannel creates a signaling channel on top of store.
func NewChannel(store Store) *Channel {
	return &Channel{
		store:     store,
		published: make(map[string]bool),
	}
}

// wrapStore tags backend I/O failures as ErrStoreUnavailable while letting
// protocol errors (room not found etc.) pass through unchanged.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrOfferNotReady) {
		return err
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// CreateRoom allocates a room record owned by creatorID.
func (c *Channel) CreateRoom(ctx context.Context, creatorID string) (string, error) {
	if strings.TrimSpace(creatorID) == "" {
		return "", ErrUnauthenticated
	}
	roomID, err := c.store.CreateRoom(ctx, creatorID)
	if err != nil {
		return "", wrapStore("create room", err)
	}
	log.Printf("SIGNAL [%s]: room created by %s", roomID, creatorID)
	return roomID, nil
}

// PublishOffer writes the offer once. A second call on the same room is
// silently ignored — a published offer is immutable and must never be
// overwritten.
func (c *Channel) PublishOffer(ctx context.Context, roomID string, offer SessionDescription) error {
	c.mu.Lock()
	already := c.published[roomID]
	c.mu.Unlock()
	if already {
		log.Printf("SIGNAL [%s]: offer already published, ignoring", roomID)
		return nil
	}

	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return wrapStore("publish offer", err)
	}
	if room.Offer != nil {
		log.Printf("SIGNAL [%s]: room already has an offer, ignoring", roomID)
		c.mu.Lock()
		c.published[roomID] = true
		c.mu.Unlock()
		return nil
	}

	if err := c.store.UpdateRoom(ctx, roomID, RoomUpdate{Offer: &offer}); err != nil {
		return wrapStore("publish offer", err)
	}
	c.mu.Lock()
	c.published[roomID] = true
	c.mu.Unlock()
	return nil
}

// WatchAnswer subscribes to the room and invokes fn exactly once, the first
// time an answer appears. Document stores re-fire on every field change, so
// the re-entry guard here is load-bearing, not defensive.
func (c *Channel) WatchAnswer(ctx context.Context, roomID string, fn func(SessionDescription)) (func(), error) {
	var once sync.Once
	cancel, err := c.store.WatchRoom(ctx, roomID, func(room *RoomDoc) {
		if room == nil || room.Answer == nil {
			return
		}
		answer := *room.Answer
		once.Do(func() {
			log.Printf("SIGNAL [%s]: answer received from %s", roomID, room.AnsweredBy)
			fn(answer)
		})
	})
	if err != nil {
		return nil, wrapStore("watch answer", err)
	}
	return cancel, nil
}

// JoinRoom reads the current offer. It fails immediately with ErrRoomNotFound
// or ErrOfferNotReady — waiting for an offer to appear is a caller concern.
func (c *Channel) JoinRoom(ctx context.Context, roomID string) (SessionDescription, error) {
	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return SessionDescription{}, wrapStore("join room", err)
	}
	if room.Offer == nil || room.Offer.SDP == "" {
		return SessionDescription{}, fmt.Errorf("join room %s: %w", roomID, ErrOfferNotReady)
	}
	return *room.Offer, nil
}

// PublishAnswer writes the answer and records who answered.
func (c *Channel) PublishAnswer(ctx context.Context, roomID string, answer SessionDescription, answererID string) error {
	if strings.TrimSpace(answererID) == "" {
		return ErrUnauthenticated
	}
	err := c.store.UpdateRoom(ctx, roomID, RoomUpdate{
		Answer:     &answer,
		AnsweredBy: answererID,
		AnsweredAt: nowUTC(),
	})
	if err != nil {
		return wrapStore("publish answer", err)
	}
	log.Printf("SIGNAL [%s]: answer published by %s", roomID, answererID)
	return nil
}

// SendLocalCandidate appends a candidate to the role-appropriate collection.
func (c *Channel) SendLocalCandidate(ctx context.Context, roomID string, role Role, cand ICECandidateInit) error {
	if err := c.store.AppendCandidate(ctx, roomID, role.LocalCollection(), cand); err != nil {
		return wrapStore("send candidate", err)
	}
	return nil
}

// WatchRemoteCandidates subscribes to the other role's candidate collection
// and invokes fn once per record, in insertion order. The store may
// re-deliver the whole collection after a reconnect, so delivery is deduped
// by record id rather than trusting the store's own "added" semantics.
func (c *Channel) WatchRemoteCandidates(ctx context.Context, roomID string, role Role, fn func(ICECandidateInit)) (func(), error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	cancel, err := c.store.WatchCandidates(ctx, roomID, role.RemoteCollection(), func(rec CandidateRecord) {
		mu.Lock()
		dup := seen[rec.ID]
		if !dup {
			seen[rec.ID] = true
		}
		mu.Unlock()
		if dup {
			return
		}
		fn(rec.Candidate)
	})
	if err != nil {
		return nil, wrapStore("watch candidates", err)
	}
	return cancel, nil
}

// DeleteRoom removes the room record. Deletion is a cleanup courtesy, not
// part of the correctness contract — failures are logged and swallowed.
func (c *Channel) DeleteRoom(ctx context.Context, roomID string) {
	if err := c.store.DeleteRoom(ctx, roomID); err != nil {
		log.Printf("SIGNAL [%s]: room delete failed (ignored): %v", roomID, err)
	}
	c.mu.Lock()
	delete(c.published, roomID)
	c.mu.Unlock()
}
