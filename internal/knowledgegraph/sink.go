package knowledgegraph

import (
	"context"

	"github.com/BBlag/mp2stix/api/schemas"
)

// Sink persists a finished graph outside the process.
type Sink interface {
	EnsureSchema(ctx context.Context) error
	Persist(ctx context.Context, objects []schemas.Object) error
}

var (
	_ Sink         = (*PostgresSink)(nil)
	_ Sink         = (*Neo4jSink)(nil)
	_ CypherRunner = (*Neo4jDriver)(nil)
)
