// Package asl holds the deterministic gloss layer of the sign-language
// pipeline: the MVP sign-token vocabulary, the supported medical intent
// actions, and the intent-to-token-sequence mapping. Extracting an intent
// from natural language is an external concern; this package only maps
// already-extracted intents onto gloss sequences carried over the wire.
package asl

// SignToken is an atomic unit of the simplified sign-language gloss
// vocabulary, carried verbatim over the data channel.
type SignToken string

const (
	TokenPain      SignToken = "PAIN"
	TokenWhere     SignToken = "WHERE"
	TokenYou       SignToken = "YOU"
	TokenFever     SignToken = "FEVER"
	TokenMedicine  SignToken = "MEDICINE"
	TokenEat       SignToken = "EAT"
	TokenAfter     SignToken = "AFTER"
	TokenTake      SignToken = "TAKE"
	TokenEmergency SignToken = "EMERGENCY"
	TokenGo        SignToken = "GO"
	TokenNow       SignToken = "NOW"
)

// IntentAction identifies one supported clinical intent.
type IntentAction string

const (
	ActionAskPain                       IntentAction = "ASK_PAIN"
	ActionAskFever                      IntentAction = "ASK_FEVER"
	ActionAskPainLocation               IntentAction = "ASK_PAIN_LOCATION"
	ActionInstructTakeMedicineAfterFood IntentAction = "INSTRUCT_TAKE_MEDICINE_AFTER_EATING"
	ActionInstructGoER                  IntentAction = "INSTRUCT_GO_ER"
)

// SupportedActions lists every intent action the gloss grammar can render.
var SupportedActions = []IntentAction{
	ActionAskPain,
	ActionAskFever,
	ActionAskPainLocation,
	ActionInstructTakeMedicineAfterFood,
	ActionInstructGoER,
}

// Supported reports whether the grammar has a gloss rendering for a.
func (a IntentAction) Supported() bool {
	for _, s := range SupportedActions {
		if a == s {
			return true
		}
	}
	return false
}

// Intent is one extracted clinical intent.
type Intent struct {
	Action IntentAction
	// MedicationName is optional detail for medication instructions.
	MedicationName string
}

// IntentToSigns maps an intent onto its gloss sequence, in rough ASL concept
// order. Unknown actions fall back to the generic pain question so the
// receiving side always has something to render.
func IntentToSigns(intent Intent) []SignToken {
	switch intent.Action {
	case ActionAskPain:
		// YOU PAIN?
		return []SignToken{TokenYou, TokenPain}
	case ActionAskPainLocation:
		// WHERE PAIN?
		return []SignToken{TokenWhere, TokenPain}
	case ActionAskFever:
		// YOU FEVER?
		return []SignToken{TokenYou, TokenFever}
	case ActionInstructTakeMedicineAfterFood:
		// MEDICINE EAT AFTER TAKE
		return []SignToken{TokenMedicine, TokenEat, TokenAfter, TokenTake}
	case ActionInstructGoER:
		// EMERGENCY GO NOW
		return []SignToken{TokenEmergency, TokenGo, TokenNow}
	default:
		return []SignToken{TokenYou, TokenPain}
	}
}

// Strings converts a gloss sequence to the plain string slice the wire
// protocol carries.
func Strings(tokens []SignToken) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = string(t)
	}
	return out
}
