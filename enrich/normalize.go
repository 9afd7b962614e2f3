package enrich

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	googleSizeRegex = regexp.MustCompile(`w\d+-h\d+`)
	ytimgRegex      = regexp.MustCompile(`/(?:default|mqdefault|hqdefault|sddefault)\.(jpg|webp)`)
	mzstaticRegex   = regexp.MustCompile(`/\d+x\d+bb\.`)
	deezerRegex     = regexp.MustCompile(`/\d+x\d+-000000-80-0-0\.jpg`)
	lastfmSizeRegex = regexp.MustCompile(`/i/u/(?:\d+s|\d+x\d+|ar0)/`)
)

// NormalizeCoverURL rewrites known low-resolution thumbnail URLs to the
// largest size the host serves. Unrecognised URLs are returned unchanged.
func NormalizeCoverURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.HasSuffix(host, "googleusercontent.com"), strings.HasSuffix(host, "ggpht.com"):
		return googleSizeRegex.ReplaceAllString(raw, "w1080-h1080")
	case strings.HasSuffix(host, "ytimg.com"):
		return ytimgRegex.ReplaceAllString(raw, "/maxresdefault.$1")
	case strings.HasSuffix(host, "mzstatic.com"):
		return mzstaticRegex.ReplaceAllString(raw, "/1000x1000bb.")
	case strings.HasSuffix(host, "dzcdn.net"):
		return deezerRegex.ReplaceAllString(raw, "/1000x1000-000000-80-0-0.jpg")
	case strings.HasSuffix(host, "fastly.net") && strings.Contains(host, "lastfm"):
		return lastfmSizeRegex.ReplaceAllString(raw, "/i/u/770x0/")
	}
	return raw
}
