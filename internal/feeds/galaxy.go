package feeds

import (
	"encoding/json"
	"fmt"
	"io"
)

// Galaxy is the MISP threat-actor cluster.
type Galaxy struct {
	Values []Actor `json:"values"`
}

// Actor is one threat-actor record.
type Actor struct {
	Value       string     `json:"value"`
	Description string     `json:"description"`
	Meta        *ActorMeta `json:"meta,omitempty"`
}

// ActorMeta carries the alias list. A nil Synonyms means the record declares
// no list at all, which is different from an empty one.
type ActorMeta struct {
	Synonyms []string `json:"synonyms"`
}

// DeclaresSynonyms reports whether the record carries a synonym list.
func (a Actor) DeclaresSynonyms() bool {
	return a.Meta != nil && a.Meta.Synonyms != nil
}

// Clone returns a deep copy of the galaxy.
func (g Galaxy) Clone() Galaxy {
	out := Galaxy{Values: make([]Actor, len(g.Values))}
	for i, a := range g.Values {
		if a.Meta != nil {
			meta := *a.Meta
			if a.Meta.Synonyms != nil {
				meta.Synonyms = append(make([]string, 0, len(a.Meta.Synonyms)), a.Meta.Synonyms...)
			}
			a.Meta = &meta
		}
		out.Values[i] = a
	}
	return out
}

// DecodeGalaxy decodes a MISP galaxy cluster document.
func DecodeGalaxy(r io.Reader) (Galaxy, error) {
	var g Galaxy
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return Galaxy{}, fmt.Errorf("failed to decode galaxy: %w", err)
	}
	return g, nil
}
