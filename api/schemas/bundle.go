package schemas

import (
	"encoding/json"
	"fmt"
	"io"
)

// Bundle is the top-level document written at the end of a run.
type Bundle struct {
	Type    ObjectType `json:"type"`
	ID      string     `json:"id"`
	Objects []Object   `json:"objects"`
}

// NewBundle wraps objects in a bundle with the given identifier.
func NewBundle(id string, objects []Object) *Bundle {
	if objects == nil {
		objects = []Object{}
	}
	return &Bundle{Type: TypeBundle, ID: id, Objects: objects}
}

// Encode writes the bundle as indented JSON.
func (b *Bundle) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	return nil
}

// Count returns the number of objects of each type, handy for run summaries.
func (b *Bundle) Count() map[ObjectType]int {
	counts := make(map[ObjectType]int)
	for _, obj := range b.Objects {
		counts[obj.GetType()]++
	}
	return counts
}
