package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const familiesJSON = `{
	"win.zeta": {"common_name": "Zeta", "alt_names": ["Z"], "description": "last alphabetically", "updated": "2024-01-02", "urls": ["https://example.com/z"], "attribution": ["APT1"]},
	"apk.alpha": {"common_name": "Alpha", "alt_names": [], "description": null, "updated": "", "urls": [], "attribution": []},
	"elf.mid": {"common_name": "Mid", "alt_names": ["M1", "M2"], "urls": ["https://example.com/m"], "attribution": null}
}`

const galaxyJSON = `{
	"name": "Threat Actor",
	"values": [
		{"value": "APT1", "description": "Comment Crew", "meta": {"synonyms": ["Comment Panda", "PLA Unit 61398"]}},
		{"value": "Lonely", "meta": {"country": "XX"}},
		{"value": "Empty", "meta": {"synonyms": []}},
		{"value": "Bare"}
	]
}`

const bibliographyBib = `@online{refa,
	author = {Someone},
	title = {{Report A}},
	date = {01-10-2004},
	organization = {Example Org},
	language = {English},
	url = {https://example.com/a}
}

@online{refnourl,
	title = {{No URL}},
	date = {2010-01-01}
}
`

func TestDecodeFamiliesKeepsFeedOrder(t *testing.T) {
	t.Parallel()
	catalog, err := DecodeFamilies(strings.NewReader(familiesJSON))
	require.NoError(t, err)
	require.Len(t, catalog, 3)

	assert.Equal(t, []string{"win.zeta", "apk.alpha", "elf.mid"},
		[]string{catalog[0].Key, catalog[1].Key, catalog[2].Key})
	assert.Equal(t, "Zeta", catalog[0].CommonName)
	assert.Equal(t, []string{"APT1"}, catalog[0].Attribution)
	assert.Empty(t, catalog[1].Description, "null description decodes as empty")
	assert.Nil(t, catalog[2].Attribution)
	assert.Equal(t, []string{"M1", "M2"}, catalog[2].AltNames)
}

func TestDecodeFamiliesRejectsMalformedInput(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"array":     `[1, 2]`,
		"truncated": `{"win.a": {"common_name": "A"}`,
		"bad value": `{"win.a": 7}`,
		"empty":     ``,
	}
	for name, input := range testCases {
		in := input
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeFamilies(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestDecodeGalaxy(t *testing.T) {
	t.Parallel()
	g, err := DecodeGalaxy(strings.NewReader(galaxyJSON))
	require.NoError(t, err)
	require.Len(t, g.Values, 4)

	assert.True(t, g.Values[0].DeclaresSynonyms())
	assert.False(t, g.Values[1].DeclaresSynonyms(), "meta without synonyms")
	assert.True(t, g.Values[2].DeclaresSynonyms(), "an empty list is still declared")
	assert.False(t, g.Values[3].DeclaresSynonyms(), "no meta at all")
	assert.Equal(t, "Comment Crew", g.Values[0].Description)
}

func TestGalaxyClone(t *testing.T) {
	t.Parallel()
	g, err := DecodeGalaxy(strings.NewReader(galaxyJSON))
	require.NoError(t, err)

	clone := g.Clone()
	clone.Values[0].Meta.Synonyms[0] = "changed"
	clone.Values[0].Value = "changed"

	assert.Equal(t, "Comment Panda", g.Values[0].Meta.Synonyms[0])
	assert.Equal(t, "APT1", g.Values[0].Value)
	assert.NotNil(t, clone.Values[2].Meta.Synonyms, "declared empty list survives the copy")
	assert.Nil(t, clone.Values[3].Meta)
}

func TestDecodeBibliography(t *testing.T) {
	t.Parallel()
	bib, err := DecodeBibliography(strings.NewReader(bibliographyBib))
	require.NoError(t, err)
	require.Len(t, bib, 1, "entries without url are skipped")

	ref, ok := bib.Lookup("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a", ref.URL)
	assert.Equal(t, "{Report A}", ref.Title, "only the delimiting braces are removed")
	assert.Equal(t, "01-10-2004", ref.Date)
	assert.Equal(t, "English", ref.Language)
	assert.Equal(t, "Example Org", ref.Organization)

	_, ok = bib.Lookup("https://example.com/a/")
	assert.False(t, ok, "lookup is exact")
}

func TestLoaderLoad(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/families":
			_, _ = w.Write([]byte(familiesJSON))
		case "/bib":
			_, _ = w.Write([]byte(bibliographyBib))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	galaxyPath := filepath.Join(dir, "threat-actor.json")
	require.NoError(t, os.WriteFile(galaxyPath, []byte(galaxyJSON), 0o600))

	loader := NewLoader(server.Client(), zaptest.NewLogger(t))

	t.Run("mixed remote and local sources", func(t *testing.T) {
		t.Parallel()
		set, err := loader.Load(context.Background(), Sources{
			Families:     server.URL + "/families",
			ThreatActors: galaxyPath,
			Bibliography: server.URL + "/bib",
		})
		require.NoError(t, err)
		assert.Len(t, set.Families, 3)
		assert.Len(t, set.Galaxy.Values, 4)
		assert.Len(t, set.Bibliography, 1)
	})

	t.Run("error status names the feed", func(t *testing.T) {
		t.Parallel()
		_, err := loader.Load(context.Background(), Sources{
			Families:     server.URL + "/families",
			ThreatActors: server.URL + "/missing",
			Bibliography: server.URL + "/bib",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFeedUnavailable))

		var feedErr *FeedError
		require.True(t, errors.As(err, &feedErr))
		assert.Equal(t, FeedMISP, feedErr.Feed)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := loader.Load(context.Background(), Sources{
			Families:     filepath.Join(dir, "nope.json"),
			ThreatActors: galaxyPath,
			Bibliography: server.URL + "/bib",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFeedUnavailable)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("undecodable content", func(t *testing.T) {
		t.Parallel()
		_, err := loader.Load(context.Background(), Sources{
			Families:     galaxyPath,
			ThreatActors: galaxyPath,
			Bibliography: server.URL + "/bib",
		})
		var feedErr *FeedError
		require.ErrorAs(t, err, &feedErr)
		assert.Equal(t, FeedFamilies, feedErr.Feed)
	})
}
