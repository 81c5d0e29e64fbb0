package resolver

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BBlag/mp2stix/api/schemas"
)

func TestReportID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "report--436a8981-fe51-5ef0-92d2-63e4bbabdc56", ReportID("https://example.com/a"))
	assert.Equal(t, ReportID("https://example.com/a"), ReportID("https://example.com/a"))
	assert.NotEqual(t, ReportID("https://example.com/a"), ReportID("https://example.com/a/"))
}

func TestRandomIDs(t *testing.T) {
	t.Parallel()
	gen := RandomIDs{}
	a := gen.NewID(schemas.TypeMalware, "win.alpha")
	b := gen.NewID(schemas.TypeMalware, "win.alpha")

	assert.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "malware--"))
	parsed, err := uuid.Parse(strings.TrimPrefix(a, "malware--"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestStableIDs(t *testing.T) {
	t.Parallel()
	gen := StableIDs{}
	a := gen.NewID(schemas.TypeIntrusionSet, "APT1")

	assert.Equal(t, a, gen.NewID(schemas.TypeIntrusionSet, "APT1"))
	assert.NotEqual(t, a, gen.NewID(schemas.TypeIntrusionSet, "APT2"))
	assert.NotEqual(t, strings.TrimPrefix(a, "intrusion-set--"),
		strings.TrimPrefix(gen.NewID(schemas.TypeMalware, "APT1"), "malware--"), "the type is part of the key")

	parsed, err := uuid.Parse(strings.TrimPrefix(a, "intrusion-set--"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}
