package model

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

type VideoID string

var (
	videoIDPattern    = regexp.MustCompile(`^[0-9A-Za-z_-]{11}$`)
	videoIDInURLRegex = regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})`)
)

// ParseVideoID extracts the YouTube video ID from a watch, short, embed or youtu.be URL.
// A bare 11 character ID is accepted as is.
func ParseVideoID(ref string) (VideoID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", goerr.Wrap(ErrValidation, "video reference is empty")
	}
	if videoIDPattern.MatchString(ref) {
		return VideoID(ref), nil
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", goerr.Wrap(ErrValidation, "video reference is not a URL", goerr.V("ref", ref))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", goerr.Wrap(ErrValidation, "unsupported URL scheme", goerr.V("ref", ref))
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host != "youtube.com" && host != "youtu.be" && host != "music.youtube.com" && host != "youtube-nocookie.com" {
		return "", goerr.Wrap(ErrValidation, "not a YouTube URL", goerr.V("ref", ref))
	}

	if v := u.Query().Get("v"); videoIDPattern.MatchString(v) {
		return VideoID(v), nil
	}

	m := videoIDInURLRegex.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return "", goerr.Wrap(ErrValidation, "could not extract video ID from URL", goerr.V("ref", ref))
	}
	return VideoID(m[1]), nil
}

// Transcript is the caption text fetched for a video.
type Transcript struct {
	VideoID  VideoID
	Language string
	Text     string
}
