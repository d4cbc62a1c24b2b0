package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dealerscope/internal/model"
)

func TestDiscoverLinks(t *testing.T) {
	t.Parallel()
	html := `<ul>
<li><a href="/lots/1">one</a></li>
<li><a href="/lots/1#photos">one again</a></li>
<li><a href="https://a.gov/lots/2?ref=list">two</a></li>
<li><a href="lots/3">relative</a></li>
<li><a href="https://evil.example/lots/4">offsite</a></li>
<li><a href="/about">about</a></li>
<li><a href="javascript:void(0)">js</a></li>
<li><a href="mailto:sales@a.gov">mail</a></li>
<li><a href="/lots/5">five</a></li>
</ul>`
	page := NewPage("https://a.gov/", html, model.Site{ID: "a"})

	got := DiscoverLinks(page, []string{"/lots/"}, 0)
	assert.Equal(t, []string{
		"https://a.gov/lots/1",
		"https://a.gov/lots/2?ref=list",
		"https://a.gov/lots/3",
		"https://a.gov/lots/5",
	}, got)

	assert.Len(t, DiscoverLinks(page, []string{"/lots/"}, 2), 2)
	assert.Nil(t, DiscoverLinks(page, nil, 10))
}
