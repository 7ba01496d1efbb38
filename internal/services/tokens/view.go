package tokens

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/ternarybob/whatsmytoken/internal/models"
)

const (
	truncateThreshold = 30
	truncateKeep      = 12
)

// Grouping modes of a list view
const (
	GroupNone   = ""
	GroupDomain = "domain"
	GroupToken  = "token"
)

// ParseGrouping normalizes a grouping name. "true" and "yes" mean domain.
func ParseGrouping(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "none":
		return GroupNone, nil
	case GroupDomain, "true", "1", "yes":
		return GroupDomain, nil
	case GroupToken:
		return GroupToken, nil
	}
	return "", fmt.Errorf("unknown grouping %q (expected domain or token)", s)
}

// DomainGroup is the records of one domain, in collection order
type DomainGroup struct {
	Domain string                 `json:"domain" yaml:"domain"`
	Tokens []models.CapturedToken `json:"tokens" yaml:"tokens"`
}

// Filter keeps records whose domain or url contains query, case-insensitively.
// An empty query keeps everything.
func Filter(tokens []models.CapturedToken, query string) []models.CapturedToken {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return tokens
	}
	return lo.Filter(tokens, func(t models.CapturedToken, _ int) bool {
		return strings.Contains(strings.ToLower(t.Domain), q) ||
			strings.Contains(strings.ToLower(t.URL), q)
	})
}

// GroupByDomain groups records by domain. Groups appear in order of each
// domain's first record.
func GroupByDomain(tokens []models.CapturedToken) []DomainGroup {
	grouped := lo.GroupBy(tokens, func(t models.CapturedToken) string {
		return t.Domain
	})
	domains := lo.Uniq(lo.Map(tokens, func(t models.CapturedToken, _ int) string {
		return t.Domain
	}))

	groups := make([]DomainGroup, 0, len(domains))
	for _, d := range domains {
		groups = append(groups, DomainGroup{Domain: d, Tokens: grouped[d]})
	}
	return groups
}

// TokenGroup is every record carrying one token value, newest first.
// Domains lists where the value was seen, in that same order.
type TokenGroup struct {
	Token   string                 `json:"token" yaml:"token"`
	Domains []string               `json:"domains" yaml:"domains"`
	Tokens  []models.CapturedToken `json:"tokens" yaml:"tokens"`
}

// GroupByToken groups records by token value. Groups appear in order of
// each value's first record.
func GroupByToken(tokens []models.CapturedToken) []TokenGroup {
	grouped := lo.GroupBy(tokens, func(t models.CapturedToken) string {
		return t.Token
	})
	values := lo.Uniq(lo.Map(tokens, func(t models.CapturedToken, _ int) string {
		return t.Token
	}))

	groups := make([]TokenGroup, 0, len(values))
	for _, v := range values {
		records := SortByTimestamp(grouped[v], true)
		groups = append(groups, TokenGroup{
			Token: v,
			Domains: lo.Uniq(lo.Map(records, func(t models.CapturedToken, _ int) string {
				return t.Domain
			})),
			Tokens: records,
		})
	}
	return groups
}

// SortByTimestamp returns a copy ordered by capture time, newest first when
// newestFirst is set. Equal timestamps keep collection order.
func SortByTimestamp(tokens []models.CapturedToken, newestFirst bool) []models.CapturedToken {
	sorted := make([]models.CapturedToken, len(tokens))
	copy(sorted, tokens)
	sort.SliceStable(sorted, func(i, j int) bool {
		if newestFirst {
			return sorted[i].Timestamp > sorted[j].Timestamp
		}
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return sorted
}

// Truncate shortens long tokens for display to the first and last 12 characters
func Truncate(token string) string {
	if len(token) <= truncateThreshold {
		return token
	}
	return token[:truncateKeep] + "..." + token[len(token)-truncateKeep:]
}
