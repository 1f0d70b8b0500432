package resolver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/pkg/schema"
)

func TestResolve_LayeredLookup(t *testing.T) {
	res := Resolve("Hi {{firstName}}, call {{dojoPhone}}",
		&schema.Recipient{FirstName: "Sam"},
		&schema.TenantSettings{Phone: "555-1234"},
		map[string]any{})

	assert.Equal(t, "Hi Sam, call 555-1234", res.Text)
	assert.Empty(t, res.Unresolved)
}

func TestResolve_UnresolvedLeftVerbatim(t *testing.T) {
	res := Resolve("Hi {{firstName}}, {{unknownField}}!", &schema.Recipient{FirstName: "Sam"}, nil, nil)

	assert.Equal(t, "Hi Sam, {{unknownField}}!", res.Text)
	assert.Equal(t, []string{"unknownField"}, res.Unresolved)
}

func TestResolve_RecipientWinsOverSettingsAndComputed(t *testing.T) {
	res := Resolve("{{email}} {{bookingLink}}",
		&schema.Recipient{Email: "sam@example.com", Custom: map[string]string{"bookingLink": "custom-link"}},
		&schema.TenantSettings{Email: "dojo@example.com"},
		map[string]any{"email": "computed", "bookingLink": "computed-link"})

	assert.Equal(t, "sam@example.com custom-link", res.Text)
}

func TestResolve_EmptyValueFallsThrough(t *testing.T) {
	res := Resolve("{{sequenceName}}",
		&schema.Recipient{Custom: map[string]string{"sequenceName": ""}},
		nil,
		map[string]any{"sequenceName": "Welcome"})
	assert.Equal(t, "Welcome", res.Text)
}

func TestResolve_WhitespaceAndDotted(t *testing.T) {
	res := Resolve("{{ firstName }} / {{ parent.name }}", &schema.Recipient{FirstName: "Sam"}, nil,
		map[string]any{"parent": map[string]any{"name": "Alex"}})
	assert.Equal(t, "Sam / Alex", res.Text)
}

func TestResolve_MalformedMarkers(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"unclosed", "Hi {{firstName", "Hi {{firstName"},
		{"empty", "a {{ }} b", "a {{ }} b"},
		{"not identifier then token", "{{a b}} {{firstName}}", "{{a b}} Sam"},
		{"no tokens", "plain text", "plain text"},
		{"adjacent", "{{firstName}}{{firstName}}", "SamSam"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.in, &schema.Recipient{FirstName: "Sam"}, nil, nil)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestResolve_NilInputs(t *testing.T) {
	res := Resolve("{{a}}", nil, nil, nil)
	assert.Equal(t, "{{a}}", res.Text)
	assert.Equal(t, []string{"a"}, res.Unresolved)
}

func TestResolve_Concurrent(t *testing.T) {
	r := &schema.Recipient{FirstName: "Sam"}
	s := &schema.TenantSettings{BusinessName: "Dragon Dojo"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := Resolve("{{firstName}} @ {{dojoName}}", r, s, nil)
			assert.Equal(t, "Sam @ Dragon Dojo", res.Text)
		}()
	}
	wg.Wait()
}

func TestComputed(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	settings := &schema.TenantSettings{TenantID: "dojo-1", Timezone: "America/New_York"}

	c := Computed(settings, ComputedInput{Now: now, EnrollmentID: "e1", SequenceName: "Welcome", BaseURL: "https://app.example.com/"})
	assert.Equal(t, "March 14, 2026", c["currentDate"])
	assert.Equal(t, "2026", c["currentYear"])
	assert.Equal(t, "Saturday", c["dayOfWeek"])
	assert.Equal(t, "e1", c["enrollmentId"])
	assert.Equal(t, "https://app.example.com/book/dojo-1", c["bookingLink"])
	assert.Equal(t, "https://app.example.com/chat/dojo-1", c["aiChatLink"])

	settings.BookingURL = "https://book.example.com"
	c = Computed(settings, ComputedInput{Now: now})
	assert.Equal(t, "https://book.example.com", c["bookingLink"])
	_, hasChat := c["aiChatLink"]
	assert.False(t, hasChat)

	res := Resolve("Book: {{bookingLink}}", nil, settings, c)
	require.Empty(t, res.Unresolved)
	assert.Equal(t, "Book: https://book.example.com", res.Text)
}
