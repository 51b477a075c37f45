// Package importrules assigns categories to imported transactions from
// their descriptions.
package importrules

import (
	"sort"
	"strings"

	"github.com/marcus/spendbook/internal/models"
)

// Match is the assignment a rule produced.
type Match struct {
	RuleID     string
	CategoryID string
	ContextID  string
}

// Find returns the first active rule, by descending priority, whose pattern
// matches description. Comparison ignores case and surrounding space.
// Rules with equal priority keep their given order.
func Find(rules []models.ImportRule, description string) (Match, bool) {
	ordered := make([]models.ImportRule, 0, len(rules))
	for _, r := range rules {
		if r.Active && r.DeletedAt == nil && strings.TrimSpace(r.Pattern) != "" {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	desc := normalize(description)
	for _, r := range ordered {
		if Matches(r, desc) {
			return Match{RuleID: r.ID, CategoryID: r.CategoryID, ContextID: r.ContextID}, true
		}
	}
	return Match{}, false
}

// Matches reports whether r's pattern matches description.
func Matches(r models.ImportRule, description string) bool {
	pattern := normalize(r.Pattern)
	desc := normalize(description)
	switch r.MatchType {
	case models.MatchExact:
		return desc == pattern
	case models.MatchPrefix:
		return strings.HasPrefix(desc, pattern)
	default:
		return strings.Contains(desc, pattern)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
