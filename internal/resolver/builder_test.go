package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/knowledgegraph"
)

const (
	testMalpediaURL = "https://malpedia.caad.fkie.fraunhofer.de"
	testMISPURL     = "https://raw.githubusercontent.com/MISP/misp-galaxy/main/clusters/threat-actor.json"
)

var fixedNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder(BuilderConfig{
		MalpediaURL:          testMalpediaURL + "/",
		ThreatActorSourceURL: testMISPURL,
		IDs:                  StableIDs{},
		Clock:                func() time.Time { return fixedNow },
	}, zaptest.NewLogger(t))
}

func TestBuildMalware(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t)

	t.Run("full record", func(t *testing.T) {
		t.Parallel()
		m := b.BuildMalware("win.emotet", feeds.Family{
			CommonName:  "Emotet",
			AltNames:    []string{"Geodo", "Emotet"},
			Description: "Banking trojan.",
			Updated:     "2024-01-02",
		})

		assert.Equal(t, "win.emotet", m.Name)
		assert.Equal(t, schemas.TypeMalware, m.Type)
		assert.True(t, m.IsFamily)
		assert.Equal(t, []string{"malware"}, m.Labels)
		assert.Equal(t, 95, m.Confidence)
		assert.Equal(t, []string{"Geodo", "Emotet", "Emotet"}, m.Aliases, "aliases are not deduplicated")
		assert.Equal(t, "Banking trojan.\nThis Malware object was created based on information from "+
			testMalpediaURL+"/details/win.emotet. Last update: 2024-01-02.", m.Description)
	})

	t.Run("sparse record", func(t *testing.T) {
		t.Parallel()
		m := b.BuildMalware("apk.thing", feeds.Family{CommonName: "Thing"})
		assert.Equal(t, []string{"Thing"}, m.Aliases)
		assert.Equal(t, "This Malware object was created based on information from "+
			testMalpediaURL+"/details/apk.thing.", m.Description)
	})
}

func TestResolveIntrusionSets(t *testing.T) {
	t.Parallel()
	galaxy := feeds.Galaxy{Values: []feeds.Actor{
		{Value: "apt1"},
		{Value: "APT1", Description: "Comment Crew", Meta: &feeds.ActorMeta{Synonyms: []string{"Comment Panda"}}},
		{Value: "APT1", Description: "Second description", Meta: &feeds.ActorMeta{Synonyms: []string{"Other"}}},
	}}

	t.Run("compiles from the first matching records", func(t *testing.T) {
		t.Parallel()
		b := newTestBuilder(t)
		graph := knowledgegraph.New(nil)

		sets := b.ResolveIntrusionSets(feeds.Family{Attribution: []string{"APT1"}}, galaxy, graph)
		require.Len(t, sets, 1)
		assert.Equal(t, "APT1", sets[0].Name)
		assert.Equal(t, []string{"Comment Panda"}, sets[0].Aliases)
		assert.Equal(t, "Comment Crew\nThis Intrusion-Set object was created based on information from "+
			testMalpediaURL+" and "+testMISPURL+".", sets[0].Description)
	})

	t.Run("unknown actor gets empty metadata", func(t *testing.T) {
		t.Parallel()
		b := newTestBuilder(t)
		sets := b.ResolveIntrusionSets(feeds.Family{Attribution: []string{"Nobody"}}, galaxy, knowledgegraph.New(nil))
		require.Len(t, sets, 1)
		assert.Empty(t, sets[0].Aliases)
		assert.Equal(t, "This Intrusion-Set object was created based on information from "+
			testMalpediaURL+" and "+testMISPURL+".", sets[0].Description)
	})

	t.Run("reuses sets already in the graph", func(t *testing.T) {
		t.Parallel()
		b := newTestBuilder(t)
		graph := knowledgegraph.New(nil)
		existing := schemas.IntrusionSet{
			Common: schemas.NewCommon(schemas.TypeIntrusionSet, "intrusion-set--existing", fixedNow),
			Name:   "Apt1",
		}
		graph.Integrate(existing)

		sets := b.ResolveIntrusionSets(feeds.Family{Attribution: []string{"APT1"}}, galaxy, graph)
		require.Len(t, sets, 1)
		assert.Equal(t, "intrusion-set--existing", sets[0].ID)
	})

	t.Run("repeated names within a family are compiled twice", func(t *testing.T) {
		t.Parallel()
		b := NewBuilder(BuilderConfig{MalpediaURL: testMalpediaURL, ThreatActorSourceURL: testMISPURL}, nil)
		sets := b.ResolveIntrusionSets(feeds.Family{Attribution: []string{"APT1", "apt1"}}, galaxy, knowledgegraph.New(nil))
		require.Len(t, sets, 2)
		assert.NotEqual(t, sets[0].ID, sets[1].ID)
	})
}

func TestBuildRelationships(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t)
	m := b.BuildMalware("win.alpha", feeds.Family{CommonName: "Alpha"})
	sets := []schemas.IntrusionSet{
		{Common: schemas.NewCommon(schemas.TypeIntrusionSet, "intrusion-set--1", fixedNow), Name: "A"},
		{Common: schemas.NewCommon(schemas.TypeIntrusionSet, "intrusion-set--1", fixedNow), Name: "A"},
	}

	rels := b.BuildRelationships(m, sets, feeds.Family{Updated: "2024-01-02"})
	require.Len(t, rels, 2, "duplicates are not collapsed")
	assert.NotEqual(t, rels[0].ID, rels[1].ID)
	for _, rel := range rels {
		assert.Equal(t, "uses", rel.RelationshipType)
		assert.Equal(t, "intrusion-set--1", rel.SourceRef)
		assert.Equal(t, m.ID, rel.TargetRef)
		assert.Equal(t, "Relationship stated on "+testMalpediaURL+". Last update: 2024-01-02.", rel.Description)
	}

	assert.Equal(t, "Relationship stated on "+testMalpediaURL,
		b.BuildRelationships(m, sets[:1], feeds.Family{})[0].Description)
	assert.Empty(t, b.BuildRelationships(m, nil, feeds.Family{}))
}

func TestBuildIdentity(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t)
	id := b.BuildIdentity(IdentityConfig{Name: "Fraunhofer FKIE", Organization: "Fraunhofer FKIE", Language: "english"})

	assert.Equal(t, schemas.TypeIdentity, id.Type)
	assert.Equal(t, "organization", id.IdentityClass)
	assert.Equal(t, "Language: english\nOrganization: Fraunhofer FKIE", id.Description)
}
