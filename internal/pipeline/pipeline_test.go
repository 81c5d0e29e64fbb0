package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/dateparse"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/heuristics"
	"github.com/BBlag/mp2stix/internal/knowledgegraph"
	"github.com/BBlag/mp2stix/internal/metadata"
	"github.com/BBlag/mp2stix/internal/resolver"
)

const (
	malpediaURL = "https://malpedia.caad.fkie.fraunhofer.de"
	mispURL     = "https://raw.githubusercontent.com/MISP/misp-galaxy/main/clusters/threat-actor.json"
)

var fixedNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

// offlineDoer stands in for unreachable hosts.
type offlineDoer struct{}

func (offlineDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("network is unreachable")
}

func newTestPipeline(t *testing.T, bib feeds.Bibliography) *Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return fixedNow }

	parser := dateparse.New()
	extractor, err := heuristics.NewExtractor(heuristics.DefaultRules(), parser, logger)
	require.NoError(t, err)
	meta, err := metadata.NewResolver(bib, offlineDoer{}, extractor, parser, metadata.Config{Clock: clock}, logger)
	require.NoError(t, err)

	builder := resolver.NewBuilder(resolver.BuilderConfig{
		MalpediaURL:          malpediaURL,
		ThreatActorSourceURL: mispURL,
		Clock:                clock,
	}, logger)
	reports := resolver.NewReportResolver(meta, clock, logger)

	return New(builder, reports, Options{
		MalpediaURL: malpediaURL,
		Identity: Identity{
			Name:         "Fraunhofer FKIE",
			Title:        "Malpedia",
			Organization: "Fraunhofer FKIE",
			Language:     "english",
		},
		Clock: clock,
	}, logger)
}

func reportFor(t *testing.T, graph *knowledgegraph.Graph, url string) schemas.Report {
	t.Helper()
	id := resolver.ReportID(url)
	for _, r := range graph.Reports() {
		if r.ID == id {
			return r
		}
	}
	require.Failf(t, "report missing", "no report for %s", url)
	return schemas.Report{}
}

func malwareNamed(t *testing.T, graph *knowledgegraph.Graph, name string) schemas.Malware {
	t.Helper()
	for _, obj := range graph.Objects() {
		if m, ok := obj.(schemas.Malware); ok && m.Name == name {
			return m
		}
	}
	t.Fatalf("no malware named %q", name)
	return schemas.Malware{}
}

func TestScenarioBibliographyAndDeadLink(t *testing.T) {
	t.Parallel()
	bib, err := feeds.DecodeBibliography(strings.NewReader(`@online{refa,
	title = {{Report A}},
	date = {01-10-2004},
	url = {https://example.com/a}
}
`))
	require.NoError(t, err)
	p := newTestPipeline(t, bib)

	graph, err := p.BuildGraph(context.Background(), &feeds.Set{
		Families: feeds.Catalog{{
			Key:        "win.alpha",
			CommonName: "Alpha",
			URLs:       []string{"https://example.com/a", "http://dead.example/old-report.pdf"},
		}},
	})
	require.NoError(t, err)

	a := reportFor(t, graph, "https://example.com/a")
	assert.Equal(t, "Report A", a.Name)
	assert.Equal(t, "2004-10-01T00:00:00Z", a.Published.String())

	dead := reportFor(t, graph, "http://dead.example/old-report.pdf")
	assert.Equal(t, "old-report", dead.Name)
	assert.Equal(t, "1970-01-01T00:00:00Z", dead.Published.String())

	m := malwareNamed(t, graph, "win.alpha")
	assert.Equal(t, []string{m.ID}, a.ObjectRefs)
	assert.Equal(t, []string{m.ID}, dead.ObjectRefs)
}

func TestScenarioSharedReport(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, nil)
	shared := "http://dead.example/shared-analysis.pdf"

	graph, err := p.BuildGraph(context.Background(), &feeds.Set{
		Families: feeds.Catalog{
			{Key: "win.one", CommonName: "One", URLs: []string{shared}},
			{Key: "win.two", CommonName: "Two", URLs: []string{shared}},
		},
	})
	require.NoError(t, err)

	var found []schemas.Report
	for _, r := range graph.Reports() {
		if r.ReferencesURL(shared) {
			found = append(found, r)
		}
	}
	require.Len(t, found, 1, "exactly one report per url")
	assert.ElementsMatch(t, []string{
		malwareNamed(t, graph, "win.one").ID,
		malwareNamed(t, graph, "win.two").ID,
	}, found[0].ObjectRefs)
}

func TestScenarioSharedActor(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, nil)

	graph, err := p.BuildGraph(context.Background(), &feeds.Set{
		Families: feeds.Catalog{
			{Key: "win.one", CommonName: "One", Attribution: []string{"Alpha"}},
			{Key: "win.two", CommonName: "Two", Attribution: []string{"alpha"}},
		},
		Galaxy: feeds.Galaxy{Values: []feeds.Actor{
			{Value: "Alpha", Meta: &feeds.ActorMeta{Synonyms: []string{"A-Team"}}},
		}},
	})
	require.NoError(t, err)

	sets := graph.FindIntrusionSets("")
	require.Len(t, sets, 1)
	assert.Equal(t, "Alpha", sets[0].Name)
	assert.Equal(t, []string{"A-Team"}, sets[0].Aliases)

	var uses int
	for _, obj := range graph.Objects() {
		if rel, ok := obj.(schemas.Relationship); ok && rel.SourceRef == sets[0].ID {
			assert.Equal(t, "uses", rel.RelationshipType)
			uses++
		}
	}
	assert.Equal(t, 2, uses)
}

func TestTopLevelReport(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, nil)

	bundle, err := p.Run(context.Background(), &feeds.Set{
		Families: feeds.Catalog{
			{Key: "win.one", CommonName: "One", Attribution: []string{"Alpha"}, URLs: []string{"http://dead.example/one-pager.pdf"}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Objects)

	last, ok := bundle.Objects[len(bundle.Objects)-1].(schemas.Report)
	require.True(t, ok, "the top-level report closes the bundle")
	assert.Equal(t, resolver.ReportID(malpediaURL), last.ID)
	assert.Equal(t, "Malpedia", last.Name)
	assert.Equal(t, "Language: english\nOrganization: Fraunhofer FKIE", last.Description)
	assert.Equal(t, "2024-06-15T12:00:00Z", last.Published.String())

	var identityID string
	var nonReports []string
	for _, obj := range bundle.Objects {
		if obj.GetType() == schemas.TypeIdentity {
			identityID = obj.GetID()
		}
		if obj.GetType() != schemas.TypeReport {
			nonReports = append(nonReports, obj.GetID())
		}
	}
	require.NotEmpty(t, identityID)
	assert.Equal(t, identityID, last.CreatedByRef)
	assert.Equal(t, nonReports, last.ObjectRefs)

	assert.Equal(t, map[schemas.ObjectType]int{
		schemas.TypeMalware:      1,
		schemas.TypeIntrusionSet: 1,
		schemas.TypeRelationship: 1,
		schemas.TypeReport:       2,
		schemas.TypeIdentity:     1,
	}, bundle.Count())
}

func TestBuildGraphCancelled(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	graph, err := p.BuildGraph(ctx, &feeds.Set{Families: feeds.Catalog{{Key: "win.one"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, graph)
}

func TestBuildGraphRequiresFeeds(t *testing.T) {
	t.Parallel()
	_, err := newTestPipeline(t, nil).BuildGraph(context.Background(), nil)
	assert.Error(t, err)
}
