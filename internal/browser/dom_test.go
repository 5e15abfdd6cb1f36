package browser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
)

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "button.send", Selector{CSS: "button.send"}.String())
	assert.Equal(t, "button /^Connect$/", Selector{CSS: "button", Text: "^Connect$"}.String())
}

func TestRandRange(t *testing.T) {
	assert.Equal(t, 5, randRange(5, 5))
	assert.Equal(t, 9, randRange(9, 3))
	for i := 0; i < 100; i++ {
		v := randRange(1280, 1680)
		assert.GreaterOrEqual(t, v, 1280)
		assert.LessOrEqual(t, v, 1680)
	}
}

func TestFromProtoCookies(t *testing.T) {
	got := fromProtoCookies([]*proto.NetworkCookie{
		{Name: "li_at", Value: "v", Domain: ".linkedin.com", Path: "/", Expires: 1700000000, HTTPOnly: true, Secure: true},
	})
	assert.Len(t, got, 1)
	assert.Equal(t, "li_at", got[0].Name)
	assert.Equal(t, float64(1700000000), got[0].Expires)
	assert.True(t, got[0].HTTPOnly)
}
