package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyRoundTrip(t *testing.T) {
	key := Key("6f1c2a", KindSARIF)
	assert.Equal(t, "analyses/6f1c2a.sarif.json", key)

	id, kind, ok := ParseKey(key)
	assert.True(t, ok)
	assert.Equal(t, "6f1c2a", id)
	assert.Equal(t, KindSARIF, kind)
}

func TestParseKey_Rejects(t *testing.T) {
	for _, key := range []string{
		"reports/6f1c2a.sarif.json",
		"analyses/6f1c2a.sarif",
		"analyses/6f1c2a.txt.json",
		"analyses/.sbom.json",
		"analyses/sbom.json",
	} {
		_, _, ok := ParseKey(key)
		assert.False(t, ok, key)
	}
}

func TestMetadataGet(t *testing.T) {
	m := Metadata{"Organization": "acme", "format": "cyclonedx-json"}
	assert.Equal(t, "acme", m.Get("organization"))
	assert.Equal(t, "cyclonedx-json", m.Get("Format"))
	assert.Empty(t, m.Get("project"))
	assert.Empty(t, Metadata(nil).Get("project"))
}
