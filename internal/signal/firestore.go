package signal

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultRoomsCollection is the Firestore collection holding call rooms.
const DefaultRoomsCollection = "webrtcRooms"

// FirestoreStore backs the signaling channel with Cloud Firestore. Rooms are
// documents in a top-level collection with candidate sub-collections, the
// layout the web client already uses, so Go and browser peers can signal
// through the same rooms.
type FirestoreStore struct {
	client *firestore.Client
	rooms  string
}

type fsSDP struct {
	Type string `firestore:"type"`
	SDP  string `firestore:"sdp"`
}

type fsRoom struct {
	CreatedBy  string    `firestore:"createdBy"`
	CreatedAt  time.Time `firestore:"createdAt"`
	Offer      *fsSDP    `firestore:"offer"`
	Answer     *fsSDP    `firestore:"answer"`
	AnsweredBy string    `firestore:"answeredBy"`
	AnsweredAt time.Time `firestore:"answeredAt"`
}

type fsCandidate struct {
	Candidate        string  `firestore:"candidate"`
	SDPMid           *string `firestore:"sdpMid"`
	SDPMLineIndex    *int    `firestore:"sdpMLineIndex"`
	UsernameFragment *string `firestore:"usernameFragment"`
	Seq              int64   `firestore:"seq"`
}

// NewFirestoreStore connects to the given project. credentialsFile may be
// empty to use application default credentials. roomsCollection may be empty
// to use DefaultRoomsCollection.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile, roomsCollection string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	if roomsCollection == "" {
		roomsCollection = DefaultRoomsCollection
	}
	return &FirestoreStore{client: client, rooms: roomsCollection}, nil
}

func (s *FirestoreStore) roomRef(roomID string) *firestore.DocumentRef {
	return s.client.Collection(s.rooms).Doc(roomID)
}

func (s *FirestoreStore) CreateRoom(ctx context.Context, creatorID string) (string, error) {
	ref := s.client.Collection(s.rooms).NewDoc()
	_, err := ref.Set(ctx, map[string]any{
		"createdBy": creatorID,
		"createdAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (s *FirestoreStore) GetRoom(ctx context.Context, roomID string) (*RoomDoc, error) {
	snap, err := s.roomRef(roomID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRoomSnap(roomID, snap)
}

func decodeRoomSnap(roomID string, snap *firestore.DocumentSnapshot) (*RoomDoc, error) {
	var raw fsRoom
	if err := snap.DataTo(&raw); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	doc := &RoomDoc{
		ID:         roomID,
		CreatedBy:  raw.CreatedBy,
		CreatedAt:  raw.CreatedAt,
		AnsweredBy: raw.AnsweredBy,
		AnsweredAt: raw.AnsweredAt,
	}
	if raw.Offer != nil {
		doc.Offer = &SessionDescription{Type: raw.Offer.Type, SDP: raw.Offer.SDP}
	}
	if raw.Answer != nil {
		doc.Answer = &SessionDescription{Type: raw.Answer.Type, SDP: raw.Answer.SDP}
	}
	return doc, nil
}

func (s *FirestoreStore) UpdateRoom(ctx context.Context, roomID string, upd RoomUpdate) error {
	fields := make(map[string]any)
	if upd.Offer != nil {
		fields["offer"] = map[string]any{"type": upd.Offer.Type, "sdp": upd.Offer.SDP}
	}
	if upd.Answer != nil {
		fields["answer"] = map[string]any{"type": upd.Answer.Type, "sdp": upd.Answer.SDP}
	}
	if upd.AnsweredBy != "" {
		fields["answeredBy"] = upd.AnsweredBy
	}
	if !upd.AnsweredAt.IsZero() {
		fields["answeredAt"] = upd.AnsweredAt
	}
	if len(fields) == 0 {
		return nil
	}
	// Merge-set so the update fails on a missing room only via the prior
	// existence check the protocol layer performs through GetRoom.
	_, err := s.roomRef(roomID).Set(ctx, fields, firestore.MergeAll)
	if status.Code(err) == codes.NotFound {
		return ErrRoomNotFound
	}
	return err
}

func (s *FirestoreStore) WatchRoom(ctx context.Context, roomID string, fn func(*RoomDoc)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	it := s.roomRef(roomID).Snapshots(watchCtx)
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if watchCtx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Printf("STORE [%s]: room watch ended: %v", roomID, err)
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			doc, err := decodeRoomSnap(roomID, snap)
			if err != nil {
				log.Printf("STORE [%s]: %v", roomID, err)
				continue
			}
			fn(doc)
		}
	}()
	return cancel, nil
}

func (s *FirestoreStore) AppendCandidate(ctx context.Context, roomID, collection string, c ICECandidateInit) error {
	var mline *int
	if c.SDPMLineIndex != nil {
		v := int(*c.SDPMLineIndex)
		mline = &v
	}
	_, _, err := s.roomRef(roomID).Collection(collection).Add(ctx, fsCandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    mline,
		UsernameFragment: c.UsernameFragment,
		Seq:              time.Now().UnixNano(),
	})
	return err
}

func (s *FirestoreStore) WatchCandidates(ctx context.Context, roomID, collection string, fn func(CandidateRecord)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	query := s.roomRef(roomID).Collection(collection).OrderBy("seq", firestore.Asc)
	it := query.Snapshots(watchCtx)
	go func() {
		defer it.Stop()
		for {
			qsnap, err := it.Next()
			if err != nil {
				if watchCtx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Printf("STORE [%s]: candidate watch ended: %v", roomID, err)
				}
				return
			}
			// Replay the full result set every snapshot. Exactly-once is the
			// consumer's problem; insertion order is preserved by the seq sort.
			docs := qsnap.Documents
			for {
				snap, err := docs.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					log.Printf("STORE [%s]: candidate read: %v", roomID, err)
					break
				}
				var raw fsCandidate
				if err := snap.DataTo(&raw); err != nil {
					log.Printf("STORE [%s]: decode candidate: %v", roomID, err)
					continue
				}
				rec := CandidateRecord{
					ID: snap.Ref.ID,
					Candidate: ICECandidateInit{
						Candidate:        raw.Candidate,
						SDPMid:           raw.SDPMid,
						UsernameFragment: raw.UsernameFragment,
					},
				}
				if raw.SDPMLineIndex != nil {
					v := uint16(*raw.SDPMLineIndex)
					rec.Candidate.SDPMLineIndex = &v
				}
				fn(rec)
			}
		}
	}()
	return cancel, nil
}

func (s *FirestoreStore) DeleteRoom(ctx context.Context, roomID string) error {
	// Candidate sub-collections are abandoned, not deleted — Firestore leaves
	// orphaned sub-collections in place and that is acceptable cleanup debt.
	_, err := s.roomRef(roomID).Delete(ctx)
	return err
}

func (s *FirestoreStore) Close() error { return s.client.Close() }
