package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// roomTTL bounds how long an abandoned room lingers in Redis. A call attempt
// either completes within this window or was never going to.
const roomTTL = 24 * time.Hour

// RedisStore backs the signaling channel with Redis: room documents as JSON
// values, candidate streams as lists, change notifications over pub/sub.
// Watch notifications trigger a full re-read of the underlying key, so
// delivery is at-least-once by construction.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func roomKey(roomID string) string             { return "room:" + roomID }
func candKey(roomID, collection string) string { return "room:" + roomID + ":" + collection }
func eventsChannel(roomID string) string       { return "room:" + roomID + ":events" }
func candEvent(collection string) string       { return "cand:" + collection }

func (s *RedisStore) CreateRoom(ctx context.Context, creatorID string) (string, error) {
	id := uuid.NewString()
	doc := RoomDoc{
		ID:        id,
		CreatedBy: creatorID,
		CreatedAt: nowUTC(),
	}
	if err := s.writeRoom(ctx, &doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) writeRoom(ctx context.Context, doc *RoomDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, roomKey(doc.ID), data, roomTTL).Err()
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*RoomDoc, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc RoomDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &doc, nil
}

func (s *RedisStore) UpdateRoom(ctx context.Context, roomID string, upd RoomUpdate) error {
	// Read-merge-write without a transaction: the protocol guarantees a
	// single writer per field (offer by the caller, answer by the callee).
	doc, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if upd.Offer != nil {
		offer := *upd.Offer
		doc.Offer = &offer
	}
	if upd.Answer != nil {
		answer := *upd.Answer
		doc.Answer = &answer
	}
	if upd.AnsweredBy != "" {
		doc.AnsweredBy = upd.AnsweredBy
	}
	if !upd.AnsweredAt.IsZero() {
		doc.AnsweredAt = upd.AnsweredAt
	}
	if err := s.writeRoom(ctx, doc); err != nil {
		return err
	}
	return s.client.Publish(ctx, eventsChannel(roomID), "room").Err()
}

func (s *RedisStore) WatchRoom(ctx context.Context, roomID string, fn func(*RoomDoc)) (func(), error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	sub := s.client.Subscribe(watchCtx, eventsChannel(roomID))

	deliver := func() {
		doc, err := s.GetRoom(watchCtx, roomID)
		if err != nil {
			return
		}
		fn(doc)
	}

	go func() {
		defer sub.Close()
		deliver()
		ch := sub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == "room" {
					deliver()
				}
			}
		}
	}()
	return cancel, nil
}

func (s *RedisStore) AppendCandidate(ctx context.Context, roomID, collection string, c ICECandidateInit) error {
	rec := CandidateRecord{ID: uuid.NewString(), Candidate: c}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := candKey(roomID, collection)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return err
	}
	s.client.Expire(ctx, key, roomTTL)
	return s.client.Publish(ctx, eventsChannel(roomID), candEvent(collection)).Err()
}

func (s *RedisStore) WatchCandidates(ctx context.Context, roomID, collection string, fn func(CandidateRecord)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	sub := s.client.Subscribe(watchCtx, eventsChannel(roomID))

	replay := func() {
		items, err := s.client.LRange(watchCtx, candKey(roomID, collection), 0, -1).Result()
		if err != nil {
			if watchCtx.Err() == nil {
				log.Printf("STORE [%s]: candidate replay: %v", roomID, err)
			}
			return
		}
		for _, item := range items {
			var rec CandidateRecord
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				log.Printf("STORE [%s]: decode candidate: %v", roomID, err)
				continue
			}
			fn(rec)
		}
	}

	go func() {
		defer sub.Close()
		replay()
		ch := sub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == candEvent(collection) {
					replay()
				}
			}
		}
	}()
	return cancel, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.client.Del(ctx,
		roomKey(roomID),
		candKey(roomID, CallerCandidates),
		candKey(roomID, CalleeCandidates),
	).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
