package consult

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/careport/signcall/internal/asl"
)

// KeywordExtractor maps clinician text onto the supported intents with plain
// keyword rules. It is deterministic and needs no network, which keeps the
// translation path usable when no hosted model is configured.
type KeywordExtractor struct {
	rules []keywordRule
}

type keywordRule struct {
	action          asl.IntentAction
	backTranslation string
	match           func(text string) bool
}

// medicationPattern captures the word following "take", e.g.
// "take ibuprofen after eating".
var medicationPattern = regexp.MustCompile(`\btake\s+(?:the\s+|your\s+)?([a-z][a-z-]+)`)

func NewKeywordExtractor() *KeywordExtractor {
	contains := func(subs ...string) func(string) bool {
		return func(text string) bool {
			for _, s := range subs {
				if strings.Contains(text, s) {
					return true
				}
			}
			return false
		}
	}

	// Order matters: the location question must win over the generic pain
	// question, and the medicine instruction over anything mentioning food.
	return &KeywordExtractor{rules: []keywordRule{
		{
			action:          asl.ActionInstructGoER,
			backTranslation: "Go to the emergency room now.",
			match:           contains("emergency", " er", "hospital right away", "call 911"),
		},
		{
			action:          asl.ActionInstructTakeMedicineAfterFood,
			backTranslation: "Take your medicine after eating.",
			match: func(text string) bool {
				return contains("medicine", "medication", "tablet", "pill")(text) ||
					medicationPattern.MatchString(text)
			},
		},
		{
			action:          asl.ActionAskPainLocation,
			backTranslation: "Where is your pain?",
			match: func(text string) bool {
				return strings.Contains(text, "where") &&
					contains("pain", "hurt", "ache")(text)
			},
		},
		{
			action:          asl.ActionAskPain,
			backTranslation: "Are you in pain?",
			match:           contains("pain", "hurt", "ache", "sore"),
		},
		{
			action:          asl.ActionAskFever,
			backTranslation: "Do you have a fever?",
			match:           contains("fever", "temperature", "hot flashes"),
		},
	}}
}

func (e *KeywordExtractor) Extract(_ context.Context, text string) (asl.Intent, string, error) {
	lower := strings.ToLower(text)
	for _, r := range e.rules {
		if !r.match(lower) {
			continue
		}
		intent := asl.Intent{Action: r.action}
		if r.action == asl.ActionInstructTakeMedicineAfterFood {
			if m := medicationPattern.FindStringSubmatch(lower); m != nil && m[1] != "medicine" && m[1] != "medication" {
				intent.MedicationName = m[1]
			}
		}
		return intent, r.backTranslation, nil
	}
	return asl.Intent{}, "", fmt.Errorf("no supported intent in %q", text)
}
