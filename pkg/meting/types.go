package meting

// Track is one search result from the meting API. The playback pipeline
// only consumes URL and Source; the rest renders result lists.
type Track struct {
	Title  string
	Artist string
	URL    string
	Cover  string
	Source string
}

// SourceNames maps the supported upstream music sources to their display
// names.
var SourceNames = map[string]string{
	"netease": "网易云",
	"tencent": "QQ音乐",
	"kugou":   "酷狗",
	"kuwo":    "酷我",
}

// ValidSource reports whether s names a supported music source.
func ValidSource(s string) bool {
	_, ok := SourceNames[s]
	return ok
}

// SourceDisplay returns the display name for a source, falling back to the
// identifier itself.
func SourceDisplay(s string) string {
	if name, ok := SourceNames[s]; ok {
		return name
	}
	return s
}
