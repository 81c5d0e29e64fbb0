package knowledgegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
)

// neo4jBatchSize bounds the list passed to a single UNWIND.
const neo4jBatchSize = 500

const (
	createConstraintCypher = `CREATE CONSTRAINT stix_object_id IF NOT EXISTS FOR (n:StixObject) REQUIRE n.id IS UNIQUE`

	mergeNodesCypher = `
UNWIND $objects AS obj
MERGE (n:StixObject {id: obj.id})
SET n.type = obj.type, n.name = obj.name, n.modified = obj.modified, n.payload = obj.payload`

	mergeRelationshipsCypher = `
UNWIND $edges AS e
MATCH (s:StixObject {id: e.source}), (t:StixObject {id: e.target})
MERGE (s)-[r:STIX_RELATIONSHIP {id: e.id}]->(t)
SET r.relationship_type = e.type`

	mergeObjectRefsCypher = `
UNWIND $refs AS ref
MATCH (r:StixObject {id: ref.report}), (o:StixObject {id: ref.object})
MERGE (r)-[:OBJECT_REF]->(o)`
)

// CypherRunner is the slice of the neo4j driver the sink needs.
type CypherRunner interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error)
	Close(ctx context.Context) error
}

// Neo4jDriver runs queries against one database through a pooled driver.
type Neo4jDriver struct {
	driver   neo4j.DriverWithContext
	database string
}

// DialNeo4j opens a driver and verifies the server is reachable.
func DialNeo4j(ctx context.Context, uri, username, password, database string) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to reach neo4j at %s: %w", uri, err)
	}
	return &Neo4jDriver{driver: driver, database: database}, nil
}

func (d *Neo4jDriver) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	var opts []neo4j.ExecuteQueryConfigurationOption
	if d.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(d.database))
	}
	return neo4j.ExecuteQuery(ctx, d.driver, query, params, neo4j.EagerResultTransformer, opts...)
}

func (d *Neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Neo4jSink mirrors the graph into Neo4j: every object becomes a StixObject
// node, relationship objects become STIX_RELATIONSHIP edges and report
// object_refs become OBJECT_REF edges. All writes are MERGEs keyed by id.
type Neo4jSink struct {
	runner CypherRunner
	log    *zap.Logger
}

func NewNeo4jSink(runner CypherRunner, logger *zap.Logger) *Neo4jSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Neo4jSink{runner: runner, log: logger.Named("neo4j_sink")}
}

func (s *Neo4jSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.runner.ExecuteQuery(ctx, createConstraintCypher, nil); err != nil {
		return fmt.Errorf("failed to create StixObject constraint: %w", err)
	}
	return nil
}

// Persist writes nodes first so the edge MATCHes find both endpoints.
func (s *Neo4jSink) Persist(ctx context.Context, objects []schemas.Object) error {
	nodes := make([]any, 0, len(objects))
	var edges, refs []any
	for _, obj := range objects {
		payload, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", obj.GetID(), err)
		}
		nodes = append(nodes, map[string]any{
			"id":       obj.GetID(),
			"type":     string(obj.GetType()),
			"name":     objectName(obj),
			"modified": obj.GetModified().UTC().Format(time.RFC3339Nano),
			"payload":  string(payload),
		})

		switch o := obj.(type) {
		case schemas.Relationship:
			edges = append(edges, map[string]any{
				"id":     o.ID,
				"source": o.SourceRef,
				"target": o.TargetRef,
				"type":   o.RelationshipType,
			})
		case schemas.Report:
			for _, ref := range o.ObjectRefs {
				refs = append(refs, map[string]any{"report": o.ID, "object": ref})
			}
		}
	}

	steps := []struct {
		what  string
		query string
		param string
		items []any
	}{
		{"nodes", mergeNodesCypher, "objects", nodes},
		{"relationships", mergeRelationshipsCypher, "edges", edges},
		{"object refs", mergeObjectRefsCypher, "refs", refs},
	}
	for _, step := range steps {
		for start := 0; start < len(step.items); start += neo4jBatchSize {
			end := min(start+neo4jBatchSize, len(step.items))
			params := map[string]any{step.param: step.items[start:end]}
			if _, err := s.runner.ExecuteQuery(ctx, step.query, params); err != nil {
				return fmt.Errorf("failed to merge %s: %w", step.what, err)
			}
		}
	}

	s.log.Info("Graph mirrored",
		zap.Int("nodes", len(nodes)),
		zap.Int("relationships", len(edges)),
		zap.Int("object_refs", len(refs)))
	return nil
}

func (s *Neo4jSink) Close(ctx context.Context) error {
	return s.runner.Close(ctx)
}
