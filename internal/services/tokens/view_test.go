package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/whatsmytoken/internal/models"
)

func sample() []models.CapturedToken {
	return []models.CapturedToken{
		{ID: "1", Domain: "b.com", URL: "https://b.com/login", Timestamp: 300},
		{ID: "2", Domain: "a.com", URL: "https://a.com/api/Users", Timestamp: 100},
		{ID: "3", Domain: "b.com", URL: "https://b.com/api", Timestamp: 200},
		{ID: "4", Domain: "c.org", URL: "https://c.org/", Timestamp: 200},
	}
}

func ids(tokens []models.CapturedToken) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.ID)
	}
	return out
}

func TestFilter(t *testing.T) {
	tokens := sample()

	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(Filter(tokens, "")))
	assert.Equal(t, []string{"1", "3"}, ids(Filter(tokens, "B.COM")))
	assert.Equal(t, []string{"2"}, ids(Filter(tokens, "users")))
	assert.Equal(t, []string{"2", "3"}, ids(Filter(tokens, "/api")))
	assert.Empty(t, Filter(tokens, "nothing"))
}

func TestGroupByDomain(t *testing.T) {
	groups := GroupByDomain(sample())
	require.Len(t, groups, 3)

	assert.Equal(t, "b.com", groups[0].Domain)
	assert.Equal(t, []string{"1", "3"}, ids(groups[0].Tokens))
	assert.Equal(t, "a.com", groups[1].Domain)
	assert.Equal(t, "c.org", groups[2].Domain)

	assert.Empty(t, GroupByDomain(nil))
}

func TestSortByTimestamp(t *testing.T) {
	tokens := sample()

	assert.Equal(t, []string{"2", "3", "4", "1"}, ids(SortByTimestamp(tokens, false)))
	assert.Equal(t, []string{"1", "3", "4", "2"}, ids(SortByTimestamp(tokens, true)))

	// Input left untouched
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(tokens))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short"))

	exact := strings.Repeat("a", 30)
	assert.Equal(t, exact, Truncate(exact))

	long := "abcdefghijkl" + strings.Repeat("x", 20) + "ZYXWVUTSRQPO"
	assert.Equal(t, "abcdefghijkl...ZYXWVUTSRQPO", Truncate(long))
}

func TestGroupByToken(t *testing.T) {
	records := []models.CapturedToken{
		{ID: "1", Token: "x", Domain: "a.com", Timestamp: 100},
		{ID: "2", Token: "y", Domain: "b.com", Timestamp: 150},
		{ID: "3", Token: "x", Domain: "api.a.com", Timestamp: 300},
		{ID: "4", Token: "x", Domain: "a.com", Timestamp: 200},
	}

	groups := GroupByToken(records)
	require.Len(t, groups, 2)

	assert.Equal(t, "x", groups[0].Token)
	assert.Equal(t, []string{"3", "4", "1"}, ids(groups[0].Tokens))
	assert.Equal(t, []string{"api.a.com", "a.com"}, groups[0].Domains)

	assert.Equal(t, "y", groups[1].Token)
	assert.Equal(t, []string{"2"}, ids(groups[1].Tokens))

	assert.Empty(t, GroupByToken(nil))
}

func TestParseGrouping(t *testing.T) {
	for in, want := range map[string]string{
		"":       GroupNone,
		"false":  GroupNone,
		"domain": GroupDomain,
		"true":   GroupDomain,
		"TOKEN":  GroupToken,
	} {
		got, err := ParseGrouping(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseGrouping("url")
	assert.Error(t, err)
}
