package preview

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Render builds a default preview for producers that did not draft one.
// Keys are sorted so the text is stable for identical arguments. The result
// is raw and must still go through Sanitize.
func Render(actionType string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+renderValue(args[k]))
	}
	label := strings.ToLower(strings.ReplaceAll(actionType, "_", " "))
	if len(parts) == 0 {
		return label
	}
	return label + ": " + strings.Join(parts, ", ")
}

func renderValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return "null"
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool, int, int64, float64:
		return fmt.Sprint(typed)
	default:
		// encoding/json sorts map keys, which keeps nested values stable.
		b, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(b)
	}
}
