package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jkaninda/tripwire/internal/domain"
)

func TestRender(t *testing.T) {
	payload := domain.Payload{
		"value":     95.0,
		"resource":  "storage",
		"row_count": 2,
		"enabled":   true,
		"meta":      map[string]any{"region": "eu"},
		"rows":      []map[string]any{{"email": "a@example.com"}, {"email": "b@example.com"}},
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain text", "no tokens here", "no tokens here"},
		{"float", "Storage at {{value}}%", "Storage at 95%"},
		{"string", "{{resource}} alert", "storage alert"},
		{"int", "{{row_count}} rows", "2 rows"},
		{"bool", "enabled={{enabled}}", "enabled=true"},
		{"whitespace in token", "{{ resource }}", "storage"},
		{"unknown token verbatim", "Hello {{unknown}}", "Hello {{unknown}}"},
		{"object json", "{{meta}}", `{"region":"eu"}`},
		{"dotted path", "{{meta.region}}", "eu"},
		{"indexed path", "{{rows.1.email}}", "b@example.com"},
		{"mixed", "{{resource}}={{value}} {{missing}}", "storage=95 {{missing}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, payload))
		})
	}
}

func TestRenderWithoutMatchingPayloadIsIdentity(t *testing.T) {
	tmpl := "{{a}} and {{b.c}} stay"
	assert.Equal(t, tmpl, Render(tmpl, domain.Payload{}))
	assert.Equal(t, tmpl, Render(tmpl, nil))
}

func TestStringify(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01T12:00:00Z", Stringify(ts))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "0.5", Stringify(0.5))
	assert.Equal(t, "[1,2]", Stringify([]int{1, 2}))
}

func TestSummary(t *testing.T) {
	s := Summary("disk watch", domain.Payload{
		"value":     95.0,
		"resource":  "storage",
		"timestamp": "2026-03-01T12:00:00Z",
	})
	assert.Contains(t, s, `"disk watch"`)
	assert.Contains(t, s, "resource: storage\n")
	assert.Contains(t, s, "value: 95\n")
	assert.Less(t, strings.Index(s, "resource:"), strings.Index(s, "value:"))
}
