// Package resolver turns feed records into graph objects: malware families,
// the intrusion sets attributed to them, the "uses" relationships between
// the two and the reports that discuss them.
package resolver

import (
	"strings"

	"github.com/BBlag/mp2stix/internal/feeds"
)

// DisambiguateAliases drops every synonym that occurs, case-insensitively,
// more than once across all actor records that declare a synonym list. An
// alias shared by two actors cannot identify either. The input is not modified
// and records without a list stay without one.
func DisambiguateAliases(galaxy feeds.Galaxy) feeds.Galaxy {
	out := galaxy.Clone()

	counts := make(map[string]int)
	for _, actor := range out.Values {
		if !actor.DeclaresSynonyms() {
			continue
		}
		for _, synonym := range actor.Meta.Synonyms {
			counts[strings.ToLower(synonym)]++
		}
	}

	for i := range out.Values {
		actor := &out.Values[i]
		if !actor.DeclaresSynonyms() {
			continue
		}
		kept := make([]string, 0, len(actor.Meta.Synonyms))
		for _, synonym := range actor.Meta.Synonyms {
			if counts[strings.ToLower(synonym)] == 1 {
				kept = append(kept, synonym)
			}
		}
		actor.Meta.Synonyms = kept
	}
	return out
}
