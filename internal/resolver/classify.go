package resolver

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind is what a user message means with respect to pending intents.
type Kind string

const (
	KindUnrelated     Kind = "unrelated"
	KindConfirm       Kind = "confirm"
	KindCancel        Kind = "cancel"
	KindNumericChoice Kind = "numeric_choice"
)

// Classification is the result of Classify. Choice is the 1-based option the
// user named, or 0 when they named none.
type Classification struct {
	Kind   Kind
	Choice int
}

// HasChoice reports whether the message named an option.
func (c Classification) HasChoice() bool {
	return c.Kind == KindNumericChoice || c.Choice > 0
}

// Vocabulary is matched after normalization: lower case, accents removed,
// whitespace collapsed and trailing sentence punctuation dropped.
var (
	confirmWords = wordSet(
		"yes", "y", "ok", "okay", "confirm", "confirmed", "approve", "proceed",
		"go ahead", "do it", "send it",
		"sim", "s", "confirmo", "confirmar", "confirma", "pode", "pode ser",
		"claro", "isso", "manda", "envia",
	)
	cancelWords = wordSet(
		"no", "n", "nope", "cancel", "stop", "abort", "don't",
		"nao", "cancelar", "cancela", "desistir", "esquece", "pare",
	)
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// maxChoice bounds the digits accepted as an option number.
const maxChoice = 9999

// Classify maps a user message to a Classification. It is pure and
// deterministic.
func Classify(text string) Classification {
	s := normalize(text)
	if s == "" {
		return Classification{Kind: KindUnrelated}
	}

	if n, ok := parseChoice(s); ok {
		return Classification{Kind: KindNumericChoice, Choice: n}
	}
	if kind, ok := lookup(s); ok {
		return Classification{Kind: kind}
	}

	// "<word> <n>", e.g. "sim 2" or "cancel 1".
	if i := strings.LastIndexByte(s, ' '); i > 0 {
		if n, ok := parseChoice(s[i+1:]); ok && n >= 1 {
			if kind, ok := lookup(strings.TrimSpace(s[:i])); ok {
				return Classification{Kind: kind, Choice: n}
			}
		}
	}
	return Classification{Kind: KindUnrelated}
}

func lookup(s string) (Kind, bool) {
	if _, ok := confirmWords[s]; ok {
		return KindConfirm, true
	}
	if _, ok := cancelWords[s]; ok {
		return KindCancel, true
	}
	return "", false
}

// parseChoice accepts "2" and "#2".
func parseChoice(s string) (int, bool) {
	s = strings.TrimPrefix(s, "#")
	if s == "" || len(s) > 4 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > maxChoice {
		return 0, false
	}
	return n, true
}

func normalize(text string) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("’", "'", "‘", "'").Replace(folded)
	folded = strings.Join(strings.Fields(folded), " ")
	return strings.TrimSpace(strings.TrimRight(folded, sentenceEnd))
}

// sentenceEnd is the only punctuation dropped before matching. Anything else
// around a number, such as "$2" or "(1)", leaves the message unrelated.
const sentenceEnd = ".!?"
