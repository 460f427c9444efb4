package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const trackBase = "https://track.example.com"

func TestInjectTrackingPixel(t *testing.T) {
	out := InjectTracking("<p>Hello</p>", trackBase, "<id@acme.io>", true, false)
	assert.Contains(t, out, `<img src="`+trackBase+`/track/open/`)
	assert.Contains(t, out, `width="1" height="1"`)
	assert.True(t, strings.HasPrefix(out, "<p>Hello</p>"))
}

func TestInjectTrackingRewritesLinks(t *testing.T) {
	html := `<p>See <a href="https://acme.io/pricing">pricing</a></p>`
	out := InjectTracking(html, trackBase, "<id@acme.io>", false, true)

	assert.Contains(t, out, trackBase+"/track/click/")
	assert.Contains(t, out, "url=https%3A%2F%2Facme.io%2Fpricing")
	assert.NotContains(t, out, `href="https://acme.io/pricing"`)
	// No pixel when opens are not tracked.
	assert.NotContains(t, out, "/track/open/")
}

func TestInjectTrackingDisabled(t *testing.T) {
	html := `<a href="https://acme.io">x</a>`
	assert.Equal(t, html, InjectTracking(html, trackBase, "<id@acme.io>", false, false))
}

func TestInjectTrackingMultipleLinks(t *testing.T) {
	html := `<a href="https://a.example">a</a><a href="https://b.example">b</a>`
	out := InjectTracking(html, trackBase, "<id@acme.io>", false, true)

	assert.Equal(t, 2, strings.Count(out, "/track/click/"))
	assert.Contains(t, out, "url=https%3A%2F%2Fa.example")
	assert.Contains(t, out, "url=https%3A%2F%2Fb.example")
}
