// Package signal mediates room lifecycle and ICE candidate exchange through
// an external ordered, subscribable document store. It knows nothing about
// codecs or media content — it moves opaque session descriptions and
// candidate records between exactly two peers.
package signal

import (
	"errors"
	"time"
)

// Role identifies which side of a call this peer is.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// Candidate collection names under a room. The caller appends to
// CallerCandidates and watches CalleeCandidates; the callee does the reverse.
const (
	CallerCandidates = "callerCandidates"
	CalleeCandidates = "calleeCandidates"
)

// LocalCollection returns the candidate collection this role appends to.
func (r Role) LocalCollection() string {
	if r == RoleCaller {
		return CallerCandidates
	}
	return CalleeCandidates
}

// RemoteCollection returns the candidate collection this role watches.
func (r Role) RemoteCollection() string {
	if r == RoleCaller {
		return CalleeCandidates
	}
	return CallerCandidates
}

// SessionDescription is an SDP offer or answer as stored in a room document.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is one discovered network path descriptor, shaped like the
// standard RTCIceCandidateInit dictionary so both peers agree on the wire form.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateRecord is one appended candidate plus the store-assigned identity
// used for exactly-once delivery. Records are never mutated after insertion.
type CandidateRecord struct {
	ID        string           `json:"id"`
	Candidate ICECandidateInit `json:"candidate"`
}

// RoomDoc is the signaling record for one call attempt. The offer is
// immutable once set by the creator; the answer is set at most once, only by
// the joiner. Rooms are never reused across calls.
type RoomDoc struct {
	ID         string              `json:"id"`
	CreatedBy  string              `json:"createdBy"`
	CreatedAt  time.Time           `json:"createdAt"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	AnsweredBy string              `json:"answeredBy,omitempty"`
	AnsweredAt time.Time           `json:"answeredAt,omitempty"`
}

// RoomUpdate is a merge-update applied to a room document. Nil fields are
// left untouched.
type RoomUpdate struct {
	Offer      *SessionDescription
	Answer     *SessionDescription
	AnsweredBy string
	AnsweredAt time.Time
}

func nowUTC() time.Time { return time.Now().UTC() }

// Signaling error taxonomy. Store and protocol callers match these with
// errors.Is; backends wrap their own I/O failures in ErrStoreUnavailable.
var (
	ErrUnauthenticated  = errors.New("signal: no local identity")
	ErrRoomNotFound     = errors.New("signal: room not found")
	ErrOfferNotReady    = errors.New("signal: room has no offer yet")
	ErrStoreUnavailable = errors.New("signal: store unavailable")
)
