package signal

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-machine loopback
// calls. It deliberately models the weakest delivery contract a real document
// store offers: every notification re-delivers the full current state, so
// watchers see records more than once and must dedupe.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]*memRoom
	nextID int
}

type memRoom struct {
	doc          RoomDoc
	cands        map[string][]CandidateRecord
	docWatchers  map[int]func(*RoomDoc)
	candWatchers map[string]map[int]func(CandidateRecord)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memRoom)}
}

func (s *MemoryStore) CreateRoom(_ context.Context, creatorID string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.rooms[id] = &memRoom{
		doc: RoomDoc{
			ID:        id,
			CreatedBy: creatorID,
			CreatedAt: nowUTC(),
		},
		cands:        make(map[string][]CandidateRecord),
		docWatchers:  make(map[int]func(*RoomDoc)),
		candWatchers: make(map[string]map[int]func(CandidateRecord)),
	}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*RoomDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	doc := room.doc
	return &doc, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, roomID string, upd RoomUpdate) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if upd.Offer != nil {
		offer := *upd.Offer
		room.doc.Offer = &offer
	}
	if upd.Answer != nil {
		answer := *upd.Answer
		room.doc.Answer = &answer
	}
	if upd.AnsweredBy != "" {
		room.doc.AnsweredBy = upd.AnsweredBy
	}
	if !upd.AnsweredAt.IsZero() {
		room.doc.AnsweredAt = upd.AnsweredAt
	}
	doc := room.doc
	watchers := snapshotDocWatchers(room)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(&doc)
	}
	return nil
}

func (s *MemoryStore) WatchRoom(_ context.Context, roomID string, fn func(*RoomDoc)) (func(), error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	id := s.nextID
	s.nextID++
	room.docWatchers[id] = fn
	doc := room.doc
	s.mu.Unlock()

	// Initial delivery of the current document.
	fn(&doc)

	return func() {
		s.mu.Lock()
		if r, ok := s.rooms[roomID]; ok {
			delete(r.docWatchers, id)
		}
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) AppendCandidate(_ context.Context, roomID, collection string, c ICECandidateInit) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	room.cands[collection] = append(room.cands[collection], CandidateRecord{
		ID:        uuid.NewString(),
		Candidate: c,
	})
	records := append([]CandidateRecord(nil), room.cands[collection]...)
	watchers := snapshotCandWatchers(room, collection)
	s.mu.Unlock()

	// At-least-once: every notification replays the whole collection in
	// insertion order. Consumers dedupe by record id.
	for _, fn := range watchers {
		for _, rec := range records {
			fn(rec)
		}
	}
	return nil
}

func (s *MemoryStore) WatchCandidates(_ context.Context, roomID, collection string, fn func(CandidateRecord)) (func(), error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	id := s.nextID
	s.nextID++
	if room.candWatchers[collection] == nil {
		room.candWatchers[collection] = make(map[int]func(CandidateRecord))
	}
	room.candWatchers[collection][id] = fn
	records := append([]CandidateRecord(nil), room.cands[collection]...)
	s.mu.Unlock()

	for _, rec := range records {
		fn(rec)
	}

	return func() {
		s.mu.Lock()
		if r, ok := s.rooms[roomID]; ok {
			if ws := r.candWatchers[collection]; ws != nil {
				delete(ws, id)
			}
		}
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Redeliver replays the current room document and every candidate record to
// all active watchers, simulating the snapshot replay a real store performs
// after a subscription reconnect.
func (s *MemoryStore) Redeliver(roomID string) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	doc := room.doc
	docWatchers := snapshotDocWatchers(room)
	type replay struct {
		fns  []func(CandidateRecord)
		recs []CandidateRecord
	}
	var replays []replay
	for coll := range room.candWatchers {
		replays = append(replays, replay{
			fns:  snapshotCandWatchers(room, coll),
			recs: append([]CandidateRecord(nil), room.cands[coll]...),
		})
	}
	s.mu.Unlock()

	for _, fn := range docWatchers {
		fn(&doc)
	}
	for _, r := range replays {
		for _, fn := range r.fns {
			for _, rec := range r.recs {
				fn(rec)
			}
		}
	}
}

func snapshotDocWatchers(room *memRoom) []func(*RoomDoc) {
	out := make([]func(*RoomDoc), 0, len(room.docWatchers))
	for _, fn := range room.docWatchers {
		out = append(out, fn)
	}
	return out
}

func snapshotCandWatchers(room *memRoom, collection string) []func(CandidateRecord) {
	ws := room.candWatchers[collection]
	out := make([]func(CandidateRecord), 0, len(ws))
	for _, fn := range ws {
		out = append(out, fn)
	}
	return out
}
