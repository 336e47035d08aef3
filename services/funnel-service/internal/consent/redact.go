package consent

import "strings"

const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"email":            true,
	"emailaddress":     true,
	"phone":            true,
	"phonenumber":      true,
	"mobile":           true,
	"telephone":        true,
	"name":             true,
	"fullname":         true,
	"firstname":        true,
	"lastname":         true,
	"surname":          true,
	"customername":     true,
	"clientname":       true,
	"address":          true,
	"streetaddress":    true,
	"billingaddress":   true,
	"cardnumber":       true,
	"creditcard":       true,
	"creditcardnumber": true,
	"ccnumber":         true,
	"cvv":              true,
	"nationalid":       true,
	"pesel":            true,
	"ssn":              true,
}

var sensitiveSuffixes = []string{"email", "phone", "cardnumber", "nationalid"}

// IsSensitiveKey matches a field name against the known personal-data names. Case, underscores,
// dashes and dots are ignored, so "customer_email" and "Card-Number" both match.
func IsSensitiveKey(key string) bool {
	k := normalizeKey(key)
	if k == "" {
		return false
	}
	if sensitiveKeys[k] {
		return true
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// RedactSensitive returns a copy of payload with every sensitive field replaced by Redacted,
// descending into nested maps and slices. The input is not modified.
func RedactSensitive(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactSensitive(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if IsSensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RedactSensitive(item)
		}
		return out
	default:
		return v
	}
}

func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch r {
		case '_', '-', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
