// Package pipeline drives one graph build: every family of the catalog is
// turned into malware, intrusion-set, relationship and report objects and
// merged into the graph, then the run is wrapped in a top-level report.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/knowledgegraph"
	"github.com/BBlag/mp2stix/internal/metadata"
	"github.com/BBlag/mp2stix/internal/resolver"
)

// progressEvery controls how often the family loop logs progress.
const progressEvery = 100

// Identity describes the organization behind the top-level report.
type Identity struct {
	Name         string
	Title        string
	Organization string
	Language     string
}

// Options configures a Pipeline.
type Options struct {
	// MalpediaURL is the URL of the top-level report.
	MalpediaURL string
	Identity    Identity
	IDs         resolver.IDGenerator
	Clock       func() time.Time
}

// Pipeline builds the knowledge graph from decoded feeds. A Pipeline is not
// safe for concurrent Runs; the family loop is the graph's single writer.
type Pipeline struct {
	builder *resolver.Builder
	reports *resolver.ReportResolver
	opts    Options
	log     *zap.Logger
}

// New wires a Pipeline from its resolvers.
func New(builder *resolver.Builder, reports *resolver.ReportResolver, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IDs == nil {
		opts.IDs = resolver.RandomIDs{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{
		builder: builder,
		reports: reports,
		opts:    opts,
		log:     logger.Named("pipeline"),
	}
}

// Run builds the graph and wraps it in a bundle.
func (p *Pipeline) Run(ctx context.Context, set *feeds.Set) (*schemas.Bundle, error) {
	graph, err := p.BuildGraph(ctx, set)
	if err != nil {
		return nil, err
	}
	bundleID := p.opts.IDs.NewID(schemas.TypeBundle, p.opts.MalpediaURL)
	return schemas.NewBundle(bundleID, graph.Objects()), nil
}

// BuildGraph processes the families in catalog order. Cancellation is
// honoured between families and yields no partial graph.
func (p *Pipeline) BuildGraph(ctx context.Context, set *feeds.Set) (*knowledgegraph.Graph, error) {
	if set == nil {
		return nil, fmt.Errorf("pipeline: no feeds to process")
	}
	start := time.Now()
	galaxy := resolver.DisambiguateAliases(set.Galaxy)
	graph := knowledgegraph.New(p.log)
	total := len(set.Families)

	p.log.Info("Building graph", zap.Int("families", total), zap.Int("actors", len(galaxy.Values)))
	for i, family := range set.Families {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pipeline cancelled after %d of %d families: %w", i, total, ctx.Err())
		default:
		}

		p.integrateFamily(ctx, family, galaxy, graph)
		if (i+1)%progressEvery == 0 {
			p.log.Info("Progress", zap.Int("done", i+1), zap.Int("families", total), zap.Int("objects", graph.Len()))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pipeline cancelled: %w", err)
	}

	identity := p.builder.BuildIdentity(resolver.IdentityConfig{
		Name:         p.opts.Identity.Name,
		Organization: p.opts.Identity.Organization,
		Language:     p.opts.Identity.Language,
	})
	graph.Integrate(identity)
	graph.Integrate(p.topLevelReport(identity, graph))

	counts := graph.Counts()
	p.log.Info("Graph built",
		zap.Int("objects", graph.Len()),
		zap.Int("malware", counts[schemas.TypeMalware]),
		zap.Int("intrusion_sets", counts[schemas.TypeIntrusionSet]),
		zap.Int("relationships", counts[schemas.TypeRelationship]),
		zap.Int("reports", counts[schemas.TypeReport]),
		zap.Duration("duration", time.Since(start)))
	return graph, nil
}

func (p *Pipeline) integrateFamily(ctx context.Context, family feeds.Family, galaxy feeds.Galaxy, graph *knowledgegraph.Graph) {
	malware := p.builder.BuildMalware(family.Key, family)
	sets := p.builder.ResolveIntrusionSets(family, galaxy, graph)
	rels := p.builder.BuildRelationships(malware, sets, family)
	reports := p.reports.Resolve(ctx, malware, family.URLs, graph)

	objs := make([]schemas.Object, 0, 1+len(sets)+len(rels)+len(reports))
	objs = append(objs, malware)
	for _, s := range sets {
		objs = append(objs, s)
	}
	for _, r := range rels {
		objs = append(objs, r)
	}
	for _, r := range reports {
		objs = append(objs, r)
	}
	graph.Integrate(objs...)

	p.log.Debug("Family integrated",
		zap.String("family", family.Key),
		zap.Int("intrusion_sets", len(sets)),
		zap.Int("reports", len(reports)))
}

// topLevelReport references every non-report object, the identity included.
func (p *Pipeline) topLevelReport(identity schemas.Identity, graph *knowledgegraph.Graph) schemas.Report {
	md := metadata.Metadata{
		Title:       p.opts.Identity.Title,
		Published:   p.opts.Clock(),
		Description: metadata.Describe(p.opts.Identity.Language, p.opts.Identity.Organization),
	}
	report := p.reports.CompileReport(p.opts.MalpediaURL, md, graph.NonReportIDs())
	report.CreatedByRef = identity.ID
	return report
}
