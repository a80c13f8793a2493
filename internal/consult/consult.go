// Package consult runs the clinical messaging pipeline on top of a call:
// transcript keeping, consent checking and the chat-to-sign translation the
// callee performs for inbound clinician text.
package consult

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/careport/signcall/internal/asl"
	"github.com/careport/signcall/internal/proto"
	"github.com/careport/signcall/internal/signal"
	"github.com/careport/signcall/internal/util"
)

// Sender is the slice of a call session the consultation needs.
type Sender interface {
	SendChatText(text string)
	SendSignTokens(batch proto.SignTokenBatch)
}

// ConsentGate answers whether a user has consented to machine translation of
// their conversation.
type ConsentGate interface {
	Allowed(ctx context.Context, userID string) (bool, error)
}

// IntentExtractor turns free-form clinician text into a supported clinical
// intent plus a human-readable back-translation for the safety check.
type IntentExtractor interface {
	Extract(ctx context.Context, text string) (asl.Intent, string, error)
}

// Entry is one transcript line.
type Entry struct {
	At     time.Time
	Local  bool
	Text   string
	Tokens []string // set when the line arrived as a sign batch
}

// Options configures a consultation.
type Options struct {
	// SelfID is the local user, checked against the consent gate.
	SelfID string

	// Role decides whether inbound chat is translated. Only the callee
	// translates, so consent enforcement stays on the patient's side.
	Role signal.Role

	// AutoSign enables the translation pipeline. When false inbound chat is
	// only transcribed.
	AutoSign bool

	// CadenceMs is stamped on outgoing sign batches.
	CadenceMs int

	// TranscriptSize bounds the in-memory transcript.
	TranscriptSize int
}

// Consultation orchestrates one call's messaging. Wire HandleRemoteChat and
// HandleRemoteSignTokens into the call session's events and use Say for
// local outbound chat.
type Consultation struct {
	sender    Sender
	consent   ConsentGate
	extractor IntentExtractor
	opts      Options

	mu         sync.Mutex
	transcript *util.RingBuffer[Entry]
}

// New creates a consultation. A nil extractor falls back to the built-in
// keyword extractor; a nil gate denies everyone.
func New(sender Sender, consent ConsentGate, extractor IntentExtractor, opts Options) *Consultation {
	if extractor == nil {
		extractor = NewKeywordExtractor()
	}
	if consent == nil {
		consent = StaticGate(false)
	}
	if opts.CadenceMs <= 0 {
		opts.CadenceMs = 900
	}
	if opts.TranscriptSize <= 0 {
		opts.TranscriptSize = 200
	}
	return &Consultation{
		sender:     sender,
		consent:    consent,
		extractor:  extractor,
		opts:       opts,
		transcript: util.NewRingBuffer[Entry](opts.TranscriptSize),
	}
}

// Say sends a local chat line and records it.
func (c *Consultation) Say(text string) {
	c.record(Entry{At: time.Now(), Local: true, Text: text})
	c.sender.SendChatText(text)
}

// Transcript returns a copy of the retained conversation, oldest first.
func (c *Consultation) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Snapshot()
}

// HandleRemoteChat records inbound chat and, on the callee side with consent,
// translates it to sign tokens and shares the result back over the channel.
func (c *Consultation) HandleRemoteChat(ctx context.Context, text string) {
	c.record(Entry{At: time.Now(), Text: text})

	if c.opts.Role != signal.RoleCallee || !c.opts.AutoSign {
		return
	}

	allowed, err := c.consent.Allowed(ctx, c.opts.SelfID)
	if err != nil {
		log.Printf("CONSULT [%s]: consent lookup: %v", c.opts.SelfID, err)
		return
	}
	if !allowed {
		log.Printf("CONSULT [%s]: translation consent not enabled, text transcribed only", c.opts.SelfID)
		return
	}

	intent, backTranslation, err := c.extractor.Extract(ctx, text)
	if err != nil {
		log.Printf("CONSULT [%s]: intent extraction: %v", c.opts.SelfID, err)
		return
	}

	seq := asl.IntentToSigns(intent)
	c.sender.SendSignTokens(proto.SignTokenBatch{
		Tokens:          asl.Strings(seq),
		IntentAction:    string(intent.Action),
		BackTranslation: backTranslation,
		SourceText:      text,
		StartedAtMs:     time.Now().UnixMilli(),
		CadenceMs:       c.opts.CadenceMs,
	})
}

// HandleRemoteSignTokens records an inbound sign batch.
func (c *Consultation) HandleRemoteSignTokens(batch proto.SignTokenBatch) {
	c.record(Entry{
		At:     time.Now(),
		Text:   batch.SourceText,
		Tokens: batch.Tokens,
	})
}

func (c *Consultation) record(e Entry) {
	c.mu.Lock()
	c.transcript.Push(e)
	c.mu.Unlock()
}
