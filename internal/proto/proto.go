// Package proto defines the JSON message protocol carried over the call's
// reliable ordered data channel. Two message kinds are multiplexed on one
// channel: free-text chat and structured sign-language token batches.
package proto

import (
	"encoding/json"
	"strconv"
)

// Wire type discriminators.
const (
	TypeChatText   = "chat.text"
	TypeSignTokens = "asl.signTokens"
)

// Message is the decoded form of one wire message: either ChatText or
// SignTokenBatch.
type Message interface {
	wireType() string
}

// ChatText is a free-text chat line.
type ChatText struct {
	Text string
}

func (ChatText) wireType() string { return TypeChatText }

// SignTokenBatch carries one gloss sequence plus optional playback and
// provenance hints. BackTranslation, when present, is a plain-language
// restatement used as a safety check only — it must never be treated as
// carrying clinical facts beyond what SourceText implied.
type SignTokenBatch struct {
	Tokens          []string
	StartedAtMs     int64
	CadenceMs       int
	IntentAction    string
	BackTranslation string
	SourceText      string
}

func (SignTokenBatch) wireType() string { return TypeSignTokens }

type chatWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type signWire struct {
	Type            string   `json:"type"`
	Tokens          []string `json:"tokens"`
	StartedAtMs     int64    `json:"startedAtMs,omitempty"`
	CadenceMs       int      `json:"cadenceMs,omitempty"`
	IntentAction    string   `json:"intentAction,omitempty"`
	BackTranslation string   `json:"backTranslation,omitempty"`
	SourceText      string   `json:"sourceText,omitempty"`
}

// Encode serializes a message in the wire schema both peers agree on.
func Encode(m Message) (string, error) {
	var b []byte
	var err error
	switch v := m.(type) {
	case ChatText:
		b, err = json.Marshal(chatWire{Type: TypeChatText, Text: v.Text})
	case *ChatText:
		b, err = json.Marshal(chatWire{Type: TypeChatText, Text: v.Text})
	case SignTokenBatch:
		b, err = json.Marshal(signWireOf(v))
	case *SignTokenBatch:
		b, err = json.Marshal(signWireOf(*v))
	default:
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func signWireOf(v SignTokenBatch) signWire {
	tokens := v.Tokens
	if tokens == nil {
		tokens = []string{}
	}
	return signWire{
		Type:            TypeSignTokens,
		Tokens:          tokens,
		StartedAtMs:     v.StartedAtMs,
		CadenceMs:       v.CadenceMs,
		IntentAction:    v.IntentAction,
		BackTranslation: v.BackTranslation,
		SourceText:      v.SourceText,
	}
}

// Decode parses one inbound wire message. It returns nil — never panics, and
// never surfaces an error — on invalid JSON, an unknown type tag or missing
// required fields. A malformed message from a buggy or malicious peer must
// never crash the session; dropping it is the whole error contract.
//
// Present optional fields are coerced to their expected primitive type and
// dropped when the coercion is meaningless.
func Decode(raw string) Message {
	var probe struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil
	}
	typeTag, _ := probe.Type.(string)

	switch typeTag {
	case TypeChatText:
		var loose struct {
			Text any `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &loose); err != nil {
			return nil
		}
		text, ok := loose.Text.(string)
		if !ok || text == "" {
			return nil
		}
		return ChatText{Text: text}

	case TypeSignTokens:
		var loose struct {
			Tokens          []any `json:"tokens"`
			StartedAtMs     any   `json:"startedAtMs"`
			CadenceMs       any   `json:"cadenceMs"`
			IntentAction    any   `json:"intentAction"`
			BackTranslation any   `json:"backTranslation"`
			SourceText      any   `json:"sourceText"`
		}
		if err := json.Unmarshal([]byte(raw), &loose); err != nil {
			return nil
		}
		if loose.Tokens == nil {
			return nil
		}
		msg := SignTokenBatch{Tokens: make([]string, 0, len(loose.Tokens))}
		for _, t := range loose.Tokens {
			msg.Tokens = append(msg.Tokens, coerceString(t))
		}
		if n, ok := loose.StartedAtMs.(float64); ok {
			msg.StartedAtMs = int64(n)
		}
		if n, ok := loose.CadenceMs.(float64); ok {
			msg.CadenceMs = int(n)
		}
		msg.IntentAction, _ = loose.IntentAction.(string)
		msg.BackTranslation, _ = loose.BackTranslation.(string)
		msg.SourceText, _ = loose.SourceText.(string)
		return msg

	default:
		return nil
	}
}

// coerceString converts a decoded JSON value to its string form, matching
// the loose stringification the web peer applies to token arrays.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Sender is the minimal data-channel surface Send needs.
type Sender interface {
	IsOpen() bool
	SendText(text string) error
}

// Send encodes and transmits m if the channel is open. When it is not, Send
// does nothing: it never queues and never fails. Readiness polling is the
// caller's responsibility.
func Send(ch Sender, m Message) {
	if ch == nil || !ch.IsOpen() {
		return
	}
	encoded, err := Encode(m)
	if err != nil || encoded == "" {
		return
	}
	// Send errors are swallowed like closed-channel sends: by the time the
	// transport reports one, the session state machine is already tearing
	// down via its own connectivity callback.
	_ = ch.SendText(encoded)
}
