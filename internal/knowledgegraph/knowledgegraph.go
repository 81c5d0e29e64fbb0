// Package knowledgegraph holds the STIX objects of one run, keyed by
// identifier, and optionally persists them to PostgreSQL.
package knowledgegraph

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
)

// Graph is an insertion-ordered map from identifier to object. At most one
// object exists per identifier.
type Graph struct {
	objects map[string]schemas.Object
	order   []string
	mu      sync.RWMutex
	log     *zap.Logger
}

// New creates an empty graph.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		objects: make(map[string]schemas.Object),
		log:     logger.Named("knowledgegraph"),
	}
}

// Integrate upserts objs in order. An object whose identifier is already
// present replaces the old one wholesale and keeps its position; anything
// else is appended. Integrating the same objects twice is a no-op.
func (g *Graph) Integrate(objs ...schemas.Object) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var added, replaced int
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		id := obj.GetID()
		if _, exists := g.objects[id]; exists {
			replaced++
		} else {
			g.order = append(g.order, id)
			added++
		}
		g.objects[id] = obj
	}
	g.log.Debug("Objects integrated", zap.Int("added", added), zap.Int("replaced", replaced), zap.Int("total", len(g.order)))
}

// Len returns the number of objects.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Objects returns every object in insertion order.
func (g *Graph) Objects() []schemas.Object {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]schemas.Object, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.objects[id])
	}
	return out
}

// Reports returns every report in insertion order.
func (g *Graph) Reports() []schemas.Report {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.Report
	for _, id := range g.order {
		if r, ok := g.objects[id].(schemas.Report); ok {
			out = append(out, r)
		}
	}
	return out
}

// FindIntrusionSets returns the intrusion sets named name, compared
// case-insensitively. An empty name matches all of them.
func (g *Graph) FindIntrusionSets(name string) []schemas.IntrusionSet {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.IntrusionSet
	for _, id := range g.order {
		set, ok := g.objects[id].(schemas.IntrusionSet)
		if !ok {
			continue
		}
		if name == "" || strings.EqualFold(set.Name, name) {
			out = append(out, set)
		}
	}
	return out
}

// NonReportIDs returns the identifiers of every object that is not a report.
func (g *Graph) NonReportIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.order {
		if g.objects[id].GetType() != schemas.TypeReport {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts tallies the objects per type.
func (g *Graph) Counts() map[schemas.ObjectType]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[schemas.ObjectType]int)
	for _, obj := range g.objects {
		counts[obj.GetType()]++
	}
	return counts
}
