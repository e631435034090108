package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconstructKnownThumbnails(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fb size segment drops signature",
			in:   "https://scontent.xx.fbcdn.net/v/t39.30808-6/p180x540/123_456_n.jpg?_nc_cat=1&oh=abc&oe=5F2A",
			want: "https://scontent.xx.fbcdn.net/v/t39.30808-6/123_456_n.jpg?_nc_cat=1",
		},
		{
			name: "fb crop and size segments",
			in:   "https://scontent.test/v/t1.0-9/c0.135.1080.1080/s720x720/99_n.jpg",
			want: "https://scontent.test/v/t1.0-9/99_n.jpg",
		},
		{
			name: "fb stp transform",
			in:   "https://scontent.fabc1-1.fna.fbcdn.net/v/t39.30808-6/123_n.jpg?stp=dst-jpg_s600x600_tt6&_nc_cat=1&oh=00_AbC&oe=66AA",
			want: "https://scontent.fabc1-1.fna.fbcdn.net/v/t39.30808-6/123_n.jpg?_nc_cat=1",
		},
		{
			name: "fb stp crop transform",
			in:   "https://scontent.test/v/t39/1_n.jpg?stp=c0.5000x0.5000f_dst-jpg_p180x540&oe=1",
			want: "https://scontent.test/v/t39/1_n.jpg",
		},
		{
			name: "wordpress resized copy",
			in:   "https://bar.test/wp-content/uploads/2024/05/flyer-300x200.jpg",
			want: "https://bar.test/wp-content/uploads/2024/05/flyer.jpg",
		},
		{
			name: "numeric size params",
			in:   "https://cdn.test/img/flyer.png?w=400&h=300&token=x",
			want: "https://cdn.test/img/flyer.png?token=x",
		},
		{
			name: "google sized image",
			in:   "https://lh3.googleusercontent.com/abc123=w400-h300",
			want: "https://lh3.googleusercontent.com/abc123=s0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Reconstruct(tc.in)
			assert.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReconstructLeavesFullSizeURLsAlone(t *testing.T) {
	corpus := []string{
		"https://scontent.xx.fbcdn.net/v/t39.30808-6/123_456_n.jpg?_nc_cat=1&oh=abc&oe=5F2A",
		"https://example.test/a%20b/Flyer.JPG?x=1&y=%7E",
		"https://bar.test/uploads/karaoke-night.png",
		"https://cdn.test/img/flyer.png?size=large",
		"https://cdn.test/img/2024x/flyer.png",
		"http://venue.test/images/event.webp#top",
		"https://lh3.googleusercontent.com/abcDEF=s0",
		"not a url",
		"",
	}
	for _, in := range corpus {
		got, ok := Reconstruct(in)
		assert.False(t, ok, in)
		assert.Equal(t, in, got)
	}
}

func TestReconstructIsStable(t *testing.T) {
	once, ok := Reconstruct("https://scontent.test/v/s320x320/5_n.jpg?oh=1&oe=2")
	assert.True(t, ok)
	twice, ok := Reconstruct(once)
	assert.False(t, ok)
	assert.Equal(t, once, twice)
}
