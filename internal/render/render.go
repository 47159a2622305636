// Package render fills {{field}} placeholders in action templates from a trigger payload.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/tripwire/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces every {{field}} token with the stringified payload value.
// Tokens naming a field absent from the payload are left verbatim.
// Dotted names ({{rows.0.email}}) walk nested maps and slices when no exact key matches.
func Render(tmpl string, payload domain.Payload) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := placeholder.FindStringSubmatch(token)[1]
		v, ok := lookup(payload, name)
		if !ok {
			return token
		}
		return Stringify(v)
	})
}

func lookup(payload domain.Payload, name string) (any, bool) {
	if v, ok := payload[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = map[string]any(payload)
	for _, part := range strings.Split(name, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case domain.Payload:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []map[string]any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a payload value as template text.
// Scalars use their natural form; maps, slices and structs are JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// Summary builds the plain-text body used when an action has no body template.
func Summary(ruleName string, payload domain.Payload) string {
	var b strings.Builder
	if ruleName != "" {
		b.WriteString("Automation rule \"" + ruleName + "\" was triggered.\n\n")
	} else {
		b.WriteString("An automation rule was triggered.\n\n")
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == "rows" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + Stringify(payload[k]) + "\n")
	}
	if rows, ok := payload["rows"]; ok {
		b.WriteString("rows: " + Stringify(rows) + "\n")
	}
	return b.String()
}
