package sharelink

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParse_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		link Link
	}{
		{"public", Link{CalendarID: "cal-1", Name: "Team Offsite"}},
		{"private", Link{CalendarID: "cal-2", Name: "Family & Friends", Key: "abc_DEF-123"}},
		{"unicode name", Link{CalendarID: "cal-3", Name: "Équipe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Build("https://meshcal.example/join", tt.link.CalendarID, tt.link.Name, tt.link.Key)
			require.NoError(t, err)

			got, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.link, got)
			assert.Equal(t, tt.link.Key != "", got.Private())
		})
	}
}

func TestBuild_QueryParameters(t *testing.T) {
	raw, err := Build("", "cal-1", "  My Cal ", "k")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "meshcal", u.Scheme)
	assert.Equal(t, "cal-1", u.Query().Get("calendar"))
	assert.Equal(t, "My Cal", u.Query().Get("name"))
	assert.Equal(t, "k", u.Query().Get("key"))
}

func TestBuild_PublicOmitsKey(t *testing.T) {
	raw, err := Build("https://x.test/j", "cal-1", "n", "")
	require.NoError(t, err)
	assert.NotContains(t, raw, "key=")
}

func TestParse_Invalid(t *testing.T) {
	for _, raw := range []string{
		"https://x.test/j?name=foo",
		"%zz",
		"",
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidLink, raw)
	}

	_, err := Build("https://x.test", "", "n", "")
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestNewKey(t *testing.T) {
	k1, err := NewKey()
	require.NoError(t, err)
	k2, err := NewKey()
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	raw, err := base64.RawURLEncoding.DecodeString(k1)
	require.NoError(t, err)
	assert.Len(t, raw, KeyBytes)
}
