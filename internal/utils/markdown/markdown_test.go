package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertKeepsScheduleDropsChrome(t *testing.T) {
	html := `<html><body>
<nav><a href="/">Home</a></nav>
<div class="cookie-banner">We use cookies</div>
<main>
  <header><h1>Karaoke Nights</h1></header>
  <p>Friday 9pm with DJ Max</p>
  <p>Friday 9pm at Rusty's</p>
  <img src="https://example.com/flyer.jpg" alt="flyer">
  <script>track()</script>
</main>
</body></html>`

	out := ConvertHTMLToMarkdown(html)
	assert.Contains(t, out, "Karaoke Nights")
	assert.Contains(t, out, "Friday 9pm with DJ Max")
	assert.Contains(t, out, "Friday 9pm at Rusty's")
	assert.NotContains(t, out, "Home")
	assert.NotContains(t, out, "cookies")
	assert.NotContains(t, out, "track()")
	assert.NotContains(t, out, "flyer.jpg")
}

func TestCleanStripsControlAndInvisibleCharacters(t *testing.T) {
	in := "O'Nelly's​\x07\r\n\n\n\n![x](https://e.com/a.png)\nThursday  "
	assert.Equal(t, "O'Nelly's\nThursday", Clean(in))
}
