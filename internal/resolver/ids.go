package resolver

import (
	"github.com/google/uuid"

	"github.com/BBlag/mp2stix/api/schemas"
)

// IDGenerator mints object identifiers. key is a stable description of the
// object (family key, actor name, ...) that deterministic generators hash.
type IDGenerator interface {
	NewID(typ schemas.ObjectType, key string) string
}

// RandomIDs draws a fresh UUIDv4 per object.
type RandomIDs struct{}

func (RandomIDs) NewID(typ schemas.ObjectType, _ string) string {
	return string(typ) + "--" + uuid.NewString()
}

// stableNamespace scopes the UUIDv5 ids of StableIDs.
var stableNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://malpedia.caad.fkie.fraunhofer.de/stix"))

// StableIDs derives UUIDv5 ids from type and key, so rebuilding from the same
// feeds yields the same graph.
type StableIDs struct{}

func (StableIDs) NewID(typ schemas.ObjectType, key string) string {
	return string(typ) + "--" + uuid.NewSHA1(stableNamespace, []byte(string(typ)+"|"+key)).String()
}

// ReportID is the identifier of the report for url. It is stable across runs
// regardless of the configured IDGenerator.
func ReportID(url string) string {
	return string(schemas.TypeReport) + "--" + uuid.NewSHA1(uuid.NameSpaceDNS, []byte(url)).String()
}
