// Package preview produces the human-readable summaries shown to a user
// before they confirm a side-effecting action.
//
// Sanitize is pure and deterministic: the same input and policy always yield
// the same bounded output. Secrets are redacted, e-mail addresses and long
// identifiers are partially masked, and currency amounts are kept, rounded or
// masked according to the FieldPolicy. Dates and times are left readable.
package preview

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLen is the preview length bound, in runes, used when a policy
// does not set one.
const DefaultMaxLen = 200

// TruncationMarker terminates a preview that was cut to fit MaxLen.
const TruncationMarker = "…"

const redacted = "[REDACTED]"

// AmountMode controls how currency amounts appear in a preview.
type AmountMode string

const (
	// AmountKeep leaves amounts untouched.
	AmountKeep AmountMode = "keep"
	// AmountRound rounds amounts to whole units and marks them approximate.
	AmountRound AmountMode = "round"
	// AmountMask hides the value and keeps only the currency.
	AmountMask AmountMode = "mask"
)

// ParseAmountMode maps a configuration string to an AmountMode.
func ParseAmountMode(s string) (AmountMode, bool) {
	switch AmountMode(strings.ToLower(strings.TrimSpace(s))) {
	case AmountKeep, "":
		return AmountKeep, true
	case AmountRound:
		return AmountRound, true
	case AmountMask:
		return AmountMask, true
	default:
		return "", false
	}
}

// FieldPolicy configures Sanitize.
type FieldPolicy struct {
	// MaxLen bounds the output length in runes, marker included.
	MaxLen int
	// Amounts selects how currency amounts are rendered.
	Amounts AmountMode
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() FieldPolicy {
	return FieldPolicy{MaxLen: DefaultMaxLen, Amounts: AmountKeep}
}

type secretPattern struct {
	re   *regexp.Regexp
	repl string
}

// secretPatterns cover the credential shapes that show up in drafted
// messages and tool arguments. Order matters: key/value pairs run first so
// the key name survives.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|access[_-]?token|token|secret|password|passwd|pwd|senha)\b(\s*[:=]\s*)["']?[^\s"',;]+["']?`), "${1}${2}" + redacted},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9_\-.=]{8,}`), "Bearer " + redacted},
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), redacted},
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`), redacted},
}

var (
	emailPattern = regexp.MustCompile(`[\p{L}\p{M}\p{N}._%+\-]+@[\p{L}\p{M}\p{N}.\-]+\.[\p{L}\p{M}]{2,}`)

	// amountOrID matches a currency amount, a calendar date or a run of at
	// least nine digits with optional single separators. At any position the
	// alternatives are tried in that order, so a currency prefix claims its
	// digits and a date with its time is left for Sanitize to keep.
	amountOrID = regexp.MustCompile(`(?i)(?:(?:R\$|US\$|\$|€|£|\b(?:USD|EUR|BRL|GBP)\b)\s?\d(?:[\d.,]*\d)?)|` +
		`(?:\b(?:\d{4}-\d{2}-\d{2}|\d{2}/\d{2}/\d{4})(?:[ T]\d{2}:\d{2}(?::\d{2})?)?\b)|` +
		`(?:\d(?:[ .\-/]?\d){8,})`)

	amountPattern = regexp.MustCompile(`(?i)^(R\$|US\$|\$|€|£|USD|EUR|BRL|GBP)(\s?)(\d(?:[\d.,]*\d)?)$`)

	datePattern = regexp.MustCompile(`^(?:\d{4}-\d{2}-\d{2}|\d{2}/\d{2}/\d{4})(?:[ T]\d{2}:\d{2}(?::\d{2})?)?$`)
)

// RedactSecrets replaces credentials (API keys, bearer tokens, passwords,
// JWTs) with a fixed marker. It is also used by the log handler.
func RedactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// Sanitize masks sensitive values in raw and bounds the result to the
// policy's MaxLen.
func Sanitize(raw string, policy FieldPolicy) string {
	if policy.MaxLen <= 0 {
		policy.MaxLen = DefaultMaxLen
	}
	if policy.Amounts == "" {
		policy.Amounts = AmountKeep
	}

	s := strings.Join(strings.Fields(raw), " ")
	s = RedactSecrets(s)
	s = emailPattern.ReplaceAllStringFunc(s, MaskEmail)
	s = amountOrID.ReplaceAllStringFunc(s, func(match string) string {
		if parts := amountPattern.FindStringSubmatch(match); parts != nil {
			return formatAmount(parts[1], parts[2], parts[3], policy.Amounts)
		}
		if datePattern.MatchString(match) {
			return match
		}
		return MaskID(match)
	})
	return Truncate(s, policy.MaxLen)
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if utf8.RuneCountInString(local) <= 1 {
		return "*@" + domain
	}
	r, _ := utf8.DecodeRuneInString(local)
	return string(r) + "***@" + domain
}

// MaskID replaces every digit except the last four with '*', keeping
// separators so the shape of the identifier stays recognisable.
func MaskID(id string) string {
	total := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			total++
		}
	}
	keep := 4
	if total <= keep {
		return id
	}
	var b strings.Builder
	b.Grow(len(id))
	seen := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= total-keep {
				b.WriteByte('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatAmount(currency, space, number string, mode AmountMode) string {
	switch mode {
	case AmountMask:
		return currency + " ***"
	case AmountRound:
		units, ok := roundUnits(number)
		if !ok {
			return currency + " ***"
		}
		return currency + space + "~" + units
	default:
		return currency + space + number
	}
}

// roundUnits rounds a localized number ("1.234,56" or "1,234.56") half-up to
// whole units. A trailing separator followed by one or two digits is treated
// as the decimal separator; every other separator is grouping.
func roundUnits(number string) (string, bool) {
	intPart, fracPart := number, ""
	if i := strings.LastIndexAny(number, ".,"); i >= 0 {
		if tail := number[i+1:]; len(tail) == 1 || len(tail) == 2 {
			intPart, fracPart = number[:i], tail
		}
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, intPart)
	if digits == "" {
		digits = "0"
	}
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", false
	}
	if fracPart != "" && fracPart[0] >= '5' {
		value++
	}
	return strconv.FormatUint(value, 10), true
}

// Truncate bounds s to maxLen runes, replacing the tail with
// TruncationMarker when it has to cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	keep := maxLen - utf8.RuneCountInString(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	return strings.TrimRight(string(runes[:keep]), " ") + TruncationMarker
}
