package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// -- Core STIX Models --
// These types represent the fully-formed objects as they are emitted in the bundle.

// ObjectType is the STIX type tag, also used as the identifier prefix.
type ObjectType string

// Constants for the object types this pipeline produces.
const (
	TypeMalware      ObjectType = "malware"
	TypeIntrusionSet ObjectType = "intrusion-set"
	TypeRelationship ObjectType = "relationship"
	TypeReport       ObjectType = "report"
	TypeIdentity     ObjectType = "identity"
	TypeBundle       ObjectType = "bundle"
)

// RelationshipUses is the only relationship kind produced.
const RelationshipUses = "uses"

const (
	// SpecVersion is the schema-version marker carried by every object.
	SpecVersion = "2.1"
	// DefaultConfidence is fixed for every object this pipeline produces.
	DefaultConfidence = 95

	// Fixed labels of malware and report objects.
	LabelMalware      = "malware"
	LabelThreatReport = "threat-report"

	// IdentityClassOrganization is the identity class of the pipeline's own identity.
	IdentityClassOrganization = "organization"
)

const (
	timestampLayout = "2006-01-02T15:04:05.000Z"
	publishedLayout = "2006-01-02T15:04:05Z"
)

// EpochSentinel is the published date used when no real date could be recovered.
const EpochSentinel = "1970-01-01T00:00:00Z"

// Epoch is EpochSentinel as a time value.
var Epoch = time.Unix(0, 0).UTC()

// Object is implemented by every STIX object that can live in the graph.
type Object interface {
	GetID() string
	GetType() ObjectType
	GetModified() time.Time
}

// Timestamp is a created/modified time, serialized in UTC with millisecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, dropping anything finer than a millisecond.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.UTC().Format(timestampLayout))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	t, err := unmarshalTime(data)
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

// PublishedDate is a report publication date, serialized with second precision.
type PublishedDate struct {
	time.Time
}

// NewPublishedDate wraps t, dropping sub-second precision.
func NewPublishedDate(t time.Time) PublishedDate {
	return PublishedDate{Time: t.UTC().Truncate(time.Second)}
}

// String renders the date as an ISO-8601 UTC timestamp with second precision.
func (p PublishedDate) String() string {
	return p.UTC().Format(publishedLayout)
}

func (p PublishedDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *PublishedDate) UnmarshalJSON(data []byte) error {
	t, err := unmarshalTime(data)
	if err != nil {
		return err
	}
	p.Time = t
	return nil
}

func unmarshalTime(data []byte) (time.Time, error) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// Common holds the properties shared by every STIX domain object.
type Common struct {
	Type         ObjectType `json:"type"`
	SpecVersion  string     `json:"spec_version"`
	ID           string     `json:"id"`
	CreatedByRef string     `json:"created_by_ref,omitempty"`
	Created      Timestamp  `json:"created"`
	Modified     Timestamp  `json:"modified"`
	Labels       []string   `json:"labels,omitempty"`
	Confidence   int        `json:"confidence,omitempty"`
}

// NewCommon fills in the boilerplate every object needs.
func NewCommon(typ ObjectType, id string, now time.Time) Common {
	ts := NewTimestamp(now)
	return Common{
		Type:        typ,
		SpecVersion: SpecVersion,
		ID:          id,
		Created:     ts,
		Modified:    ts,
		Confidence:  DefaultConfidence,
	}
}

func (c Common) GetID() string       { return c.ID }
func (c Common) GetType() ObjectType { return c.Type }

// GetModified returns the time of the object's latest version.
func (c Common) GetModified() time.Time { return c.Modified.Time }

// Malware describes one malware family.
type Malware struct {
	Common
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	IsFamily    bool     `json:"is_family"`
}

// IntrusionSet describes a threat actor.
type IntrusionSet struct {
	Common
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Relationship links an intrusion set to the malware it uses.
type Relationship struct {
	Common
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
	Description      string `json:"description,omitempty"`
}

// ExternalReference points at the document a report was built from.
type ExternalReference struct {
	SourceName string `json:"source_name"`
	URL        string `json:"url,omitempty"`
}

// Report represents one source document and the objects it discusses.
type Report struct {
	Common
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	Published          PublishedDate       `json:"published"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
	ObjectRefs         []string            `json:"object_refs"`
}

// ReferencesURL reports whether any external reference contains url as a substring.
func (r Report) ReferencesURL(url string) bool {
	for _, ref := range r.ExternalReferences {
		if strings.Contains(ref.URL, url) || strings.Contains(ref.SourceName, url) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so new versions never alias the slices of old ones.
func (r Report) Clone() Report {
	c := r
	c.Labels = append([]string(nil), r.Labels...)
	c.ExternalReferences = append([]ExternalReference(nil), r.ExternalReferences...)
	c.ObjectRefs = append([]string(nil), r.ObjectRefs...)
	return c
}

// Identity is the organization a report is attributed to.
type Identity struct {
	Common
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	IdentityClass string `json:"identity_class"`
}
