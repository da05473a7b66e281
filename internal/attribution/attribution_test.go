package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p := Parse("https://shop.example.com/landing?utm_source=google&utm_medium=cpc&utm_campaign=spring%20sale&gclid=abc123&utm_term=")

	require.NotNil(t, p.UTM.Source)
	assert.Equal(t, "google", *p.UTM.Source)
	assert.Equal(t, "cpc", *p.UTM.Medium)
	assert.Equal(t, "spring sale", *p.UTM.Campaign)
	assert.Nil(t, p.UTM.Term)
	assert.Nil(t, p.UTM.Content)
	require.NotNil(t, p.ClickIDs.GCLID)
	assert.Equal(t, "abc123", *p.ClickIDs.GCLID)
	assert.Nil(t, p.ClickIDs.FBCLID)
	assert.True(t, p.Paid())
}

func TestParse_Organic(t *testing.T) {
	p := Parse("https://example.com/blog/post")
	assert.Equal(t, Params{}, p)
	assert.False(t, p.Paid())
}

func TestParse_Malformed(t *testing.T) {
	assert.Equal(t, Params{}, Parse("http://[::1]:namedport/?utm_source=x"))
}
