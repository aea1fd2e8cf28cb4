package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchverify/internal/domain"
)

func TestOfNormalizesWhitespaceAndCase(t *testing.T) {
	base := Of("int fix(){return 1;}")
	variants := []string{
		"  int fix(){return 1;}\n",
		"INT FIX(){RETURN 1;}",
		"\tInt Fix(){Return 1;}\n\n",
	}
	for _, v := range variants {
		assert.Equal(t, base, Of(v), "variant %q", v)
	}
	assert.NotEqual(t, base, Of("int fix(){return 2;}"))
}

func TestOfFoldsBeyondASCII(t *testing.T) {
	assert.Equal(t, Of("straße"), Of("STRASSE"))
}

func TestOfShape(t *testing.T) {
	fp := Of("anything")
	assert.Len(t, string(fp), 64)
	assert.True(t, Valid(string(fp)))
	assert.False(t, Valid("xyz"))
	assert.False(t, Valid(string(fp[:63])+"G"))
}

func TestJobKeyRoundTrip(t *testing.T) {
	defect := domain.DefectID{Project: "nginx___njs", Commit: "abc123"}
	fp := Of("patch")
	key := JobKey(defect, fp)
	assert.Equal(t, "patch:nginx___njs@abc123:"+string(fp), key.String())

	parsed, err := ParseJobKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestJobKeyIsStable(t *testing.T) {
	defect := domain.DefectID{Project: "p", Commit: "c"}
	assert.Equal(t, JobKey(defect, Of(" A ")).String(), JobKey(defect, Of("a")).String())
}

func TestParseJobKeyRejectsMalformed(t *testing.T) {
	fp := string(Of("x"))
	cases := map[string]string{
		"no prefix":       "p@c:" + fp,
		"no fingerprint":  "patch:p@c",
		"no at sign":      "patch:pc:" + fp,
		"bad fingerprint": "patch:p@c:nothex",
		"empty commit":    "patch:p@:" + fp,
		"parent project":  "patch:../../x@y:" + fp,
		"slash in commit": "patch:p@a/b:" + fp,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJobKey(in)
			assert.Error(t, err)
		})
	}
}
