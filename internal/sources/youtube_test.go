package sources

import "testing"

func TestIsYouTubeURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ", true},
		{"https://music.youtube.com/watch?v=abc", true},
		{"https://example.com/song.mp3", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsYouTubeURL(c.url); got != c.want {
			t.Errorf("IsYouTubeURL(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}
