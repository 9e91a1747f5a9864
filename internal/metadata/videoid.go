package metadata

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// pathPrefixes はパスの先頭に動画IDを含むURL形式。
var pathPrefixes = []string{"/live/", "/shorts/", "/embed/", "/v/"}

// ExtractVideoID は配信URLからYouTubeの動画IDを取り出す。
// 対応形式: watch?v=ID, youtu.be/ID, /live/ID, /shorts/ID, /embed/ID, および11文字のID単体。
// 取り出せない場合は空文字と false を返す。
func ExtractVideoID(rawURL string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}
	if videoIDPattern.MatchString(rawURL) {
		return rawURL, true
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)[0]
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if u.Path == "/watch" {
			id = u.Query().Get("v")
			break
		}
		for _, prefix := range pathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				id = strings.SplitN(strings.TrimPrefix(u.Path, prefix), "/", 2)[0]
				break
			}
		}
	}

	if !videoIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}
