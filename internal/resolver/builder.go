package resolver

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/metadata"
)

// GraphReader is the read side of the knowledge graph the resolvers consult.
type GraphReader interface {
	Reports() []schemas.Report
	FindIntrusionSets(name string) []schemas.IntrusionSet
}

// BuilderConfig holds the source URLs named in object descriptions.
type BuilderConfig struct {
	MalpediaURL          string
	ThreatActorSourceURL string
	IDs                  IDGenerator
	Clock                func() time.Time
}

// Builder creates malware, intrusion-set, relationship and identity objects.
type Builder struct {
	malpediaURL string
	mispURL     string
	ids         IDGenerator
	now         func() time.Time
	log         *zap.Logger
}

// NewBuilder applies defaults: random ids and the wall clock.
func NewBuilder(cfg BuilderConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = RandomIDs{}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Builder{
		malpediaURL: strings.TrimSuffix(cfg.MalpediaURL, "/"),
		mispURL:     cfg.ThreatActorSourceURL,
		ids:         ids,
		now:         now,
		log:         logger.Named("builder"),
	}
}

// BuildMalware creates the malware object for the catalog entry under key.
// Aliases are the alternative names followed by the common name, as listed.
func (b *Builder) BuildMalware(key string, family feeds.Family) schemas.Malware {
	description := "This Malware object was created based on information from " +
		b.malpediaURL + "/details/" + key + "."
	if family.Updated != "" {
		description += " Last update: " + family.Updated + "."
	}
	if family.Description != "" {
		description = family.Description + "\n" + description
	}

	aliases := make([]string, 0, len(family.AltNames)+1)
	aliases = append(aliases, family.AltNames...)
	aliases = append(aliases, family.CommonName)

	m := schemas.Malware{
		Common:      schemas.NewCommon(schemas.TypeMalware, b.ids.NewID(schemas.TypeMalware, key), b.now()),
		Name:        key,
		Description: description,
		Aliases:     aliases,
		IsFamily:    true,
	}
	m.Labels = []string{schemas.LabelMalware}
	return m
}

// ResolveIntrusionSets returns one or more intrusion sets per attribution
// entry. Sets already in the graph under the same name are reused; anything
// else is compiled from the galaxy. Names repeated within one family are
// compiled once per occurrence.
func (b *Builder) ResolveIntrusionSets(family feeds.Family, galaxy feeds.Galaxy, graph GraphReader) []schemas.IntrusionSet {
	var sets []schemas.IntrusionSet
	for _, name := range family.Attribution {
		if existing := graph.FindIntrusionSets(name); len(existing) > 0 {
			sets = append(sets, existing...)
			continue
		}
		sets = append(sets, b.compileIntrusionSet(name, galaxy))
	}
	return sets
}

func (b *Builder) compileIntrusionSet(name string, galaxy feeds.Galaxy) schemas.IntrusionSet {
	var (
		aliases     []string
		haveAliases bool
		summary     string
		haveSummary bool
	)
	for _, actor := range galaxy.Values {
		if !strings.EqualFold(actor.Value, name) {
			continue
		}
		if !haveAliases && actor.DeclaresSynonyms() {
			aliases = append([]string(nil), actor.Meta.Synonyms...)
			haveAliases = true
		}
		if !haveSummary && actor.Description != "" {
			summary = actor.Description
			haveSummary = true
		}
	}

	description := "This Intrusion-Set object was created based on information from " +
		b.malpediaURL + " and " + b.mispURL + "."
	if haveSummary {
		description = summary + "\n" + description
	}
	if !haveAliases {
		b.log.Debug("No galaxy synonyms for actor", zap.String("actor", name))
	}

	return schemas.IntrusionSet{
		Common:      schemas.NewCommon(schemas.TypeIntrusionSet, b.ids.NewID(schemas.TypeIntrusionSet, name), b.now()),
		Name:        name,
		Description: description,
		Aliases:     aliases,
	}
}

// BuildRelationships links every intrusion set to the malware with a "uses"
// relationship. Duplicated sets yield duplicated relationships.
func (b *Builder) BuildRelationships(malware schemas.Malware, sets []schemas.IntrusionSet, family feeds.Family) []schemas.Relationship {
	description := "Relationship stated on " + b.malpediaURL
	if family.Updated != "" {
		description += ". Last update: " + family.Updated + "."
	}

	rels := make([]schemas.Relationship, 0, len(sets))
	for i, set := range sets {
		key := set.ID + "|" + malware.ID + "|" + strconv.Itoa(i)
		rels = append(rels, schemas.Relationship{
			Common:           schemas.NewCommon(schemas.TypeRelationship, b.ids.NewID(schemas.TypeRelationship, key), b.now()),
			RelationshipType: schemas.RelationshipUses,
			SourceRef:        set.ID,
			TargetRef:        malware.ID,
			Description:      description,
		})
	}
	return rels
}

// IdentityConfig describes the organization behind the top-level report.
type IdentityConfig struct {
	Name         string
	Organization string
	Language     string
}

// BuildIdentity creates the identity the top-level report is attributed to.
func (b *Builder) BuildIdentity(cfg IdentityConfig) schemas.Identity {
	return schemas.Identity{
		Common:        schemas.NewCommon(schemas.TypeIdentity, b.ids.NewID(schemas.TypeIdentity, cfg.Name), b.now()),
		Name:          cfg.Name,
		Description:   metadata.Describe(cfg.Language, cfg.Organization),
		IdentityClass: schemas.IdentityClassOrganization,
	}
}
