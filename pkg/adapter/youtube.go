package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
)

const (
	userAgentChrome = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxResponseSize = 8 << 20
)

// TranscriptFetcher resolves a video reference to its caption text.
type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoRef string) (*model.Transcript, error)
}

// YouTube fetches captions by reading the caption tracks announced in the watch page.
type YouTube struct {
	client    *http.Client
	baseURL   string
	languages []string
	timeout   time.Duration
}

type YouTubeOption func(*YouTube)

func WithYouTubeBaseURL(baseURL string) YouTubeOption {
	return func(y *YouTube) {
		y.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithYouTubeHTTPClient(client *http.Client) YouTubeOption {
	return func(y *YouTube) {
		y.client = client
	}
}

// WithLanguages sets caption languages in order of preference
func WithLanguages(langs ...string) YouTubeOption {
	return func(y *YouTube) {
		y.languages = langs
	}
}

// WithFetchTimeout bounds each HTTP request made by the fetcher
func WithFetchTimeout(d time.Duration) YouTubeOption {
	return func(y *YouTube) {
		y.timeout = d
	}
}

func NewYouTube(opts ...YouTubeOption) *YouTube {
	y := &YouTube{
		client:    &http.Client{},
		baseURL:   "https://www.youtube.com",
		languages: []string{"en"},
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	Captions struct {
		Renderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// Fetch tries the watch page first, then the transcript panel and the ANDROID player
// endpoint. Each source is reached differently and YouTube blocks them independently,
// notably from datacenter addresses.
func (y *YouTube) Fetch(ctx context.Context, videoRef string) (*model.Transcript, error) {
	videoID, err := model.ParseVideoID(videoRef)
	if err != nil {
		return nil, err
	}

	sources := []struct {
		name  string
		fetch func(ctx context.Context, videoID model.VideoID) (*model.Transcript, error)
	}{
		{"watch_page", y.fetchViaWatchPage},
		{"transcript_panel", y.fetchViaTranscriptPanel},
		{"player", y.fetchViaPlayer},
	}

	var errs []error
	for _, src := range sources {
		transcript, err := src.fetch(ctx, videoID)
		if err == nil {
			return transcript, nil
		}
		errs = append(errs, err)
		logging.From(ctx).Warn("transcript source failed",
			"source", src.name,
			"video_id", videoID,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fetchError(errs)
}

// fetchError reports the first failure saying the video has no usable transcript;
// otherwise the first failure.
func fetchError(errs []error) error {
	for _, err := range errs {
		if errors.Is(err, model.ErrVideoUnavailable) {
			return err
		}
	}
	return errs[0]
}

func (y *YouTube) fetchViaWatchPage(ctx context.Context, videoID model.VideoID) (*model.Transcript, error) {
	page, err := y.get(ctx, y.baseURL+"/watch?v="+url.QueryEscape(string(videoID)))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch watch page", goerr.V("video_id", videoID))
	}

	player, err := extractPlayerResponse(page)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read player response", goerr.V("video_id", videoID))
	}
	return y.transcriptFromPlayer(ctx, videoID, player)
}

// transcriptFromPlayer downloads the best caption track announced by a player response
func (y *YouTube) transcriptFromPlayer(ctx context.Context, videoID model.VideoID, player *playerResponse) (*model.Transcript, error) {
	if status := player.PlayabilityStatus.Status; status != "OK" {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "video is not playable",
			goerr.V("video_id", videoID),
			goerr.V("status", status),
			goerr.V("reason", player.PlayabilityStatus.Reason),
		)
	}

	tracks := player.Captions.Renderer.CaptionTracks
	if len(tracks) == 0 {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "captions are disabled for this video", goerr.V("video_id", videoID))
	}
	track := selectTrack(tracks, y.languages)
	if track == nil {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "every caption track requires a PoToken", goerr.V("video_id", videoID))
	}

	trackURL, err := y.resolve(track.BaseURL)
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, "invalid caption track URL", goerr.V("video_id", videoID), goerr.V("cause", err.Error()))
	}

	raw, err := y.get(ctx, trackURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch caption track", goerr.V("video_id", videoID))
	}

	cues, err := parseTimedText(raw)
	if err != nil {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "caption track is malformed",
			goerr.V("video_id", videoID),
			goerr.V("cause", err.Error()),
		)
	}

	return &model.Transcript{
		VideoID:  videoID,
		Language: track.LanguageCode,
		Text:     cleanCues(cues),
	}, nil
}

func (y *YouTube) resolve(ref string) (string, error) {
	base, err := url.Parse(y.baseURL + "/")
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	// default format is the plain <transcript><text> XML
	q := u.Query()
	q.Del("fmt")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (y *YouTube) get(ctx context.Context, target string) ([]byte, error) {
	return y.do(ctx, http.MethodGet, target, nil, func(req *http.Request) {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("User-Agent", userAgentChrome)
		req.AddCookie(&http.Cookie{Name: "CONSENT", Value: "YES+1"})
	})
}

// do sends one request bounded by the fetch timeout and returns the body of a 2xx response
func (y *YouTube) do(ctx context.Context, method, target string, body []byte, header func(*http.Request)) ([]byte, error) {
	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, "failed to build request", goerr.V("cause", err.Error()))
	}
	header(req)

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, "request failed", goerr.V("url", target), goerr.V("cause", err.Error()))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "resource not found", goerr.V("url", target))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, goerr.Wrap(model.ErrTransport, "unexpected status code",
			goerr.V("url", target),
			goerr.V("status", resp.StatusCode),
		)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, "failed to read response body", goerr.V("cause", err.Error()))
	}
	return data, nil
}

var playerResponseMarker = []byte("ytInitialPlayerResponse")

func extractPlayerResponse(page []byte) (*playerResponse, error) {
	pos := bytes.Index(page, playerResponseMarker)
	if pos < 0 {
		if bytes.Contains(page, []byte("g-recaptcha")) {
			return nil, goerr.Wrap(model.ErrTransport, "request was blocked by a captcha")
		}
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "player response not found in watch page")
	}
	start := bytes.IndexByte(page[pos:], '{')
	if start < 0 {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "player response is empty")
	}

	// Decoder stops at the end of the first JSON value, ignoring the trailing script
	var player playerResponse
	if err := json.NewDecoder(bytes.NewReader(page[pos+start:])).Decode(&player); err != nil {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "player response is not valid JSON", goerr.V("cause", err.Error()))
	}
	return &player, nil
}

// selectTrack picks a track in preferred language order, manual captions before
// auto-generated ones. Without a match the first usable track is used. Tracks that
// require a PoToken only play in a browser and are skipped; nil means none is usable.
func selectTrack(tracks []captionTrack, languages []string) *captionTrack {
	usable := make([]*captionTrack, 0, len(tracks))
	for i := range tracks {
		if !needsPoToken(tracks[i].BaseURL) {
			usable = append(usable, &tracks[i])
		}
	}
	if len(usable) == 0 {
		return nil
	}

	for _, auto := range []bool{false, true} {
		for _, lang := range languages {
			for _, t := range usable {
				if (t.Kind == "asr") != auto {
					continue
				}
				if t.LanguageCode == lang || strings.HasPrefix(t.LanguageCode, lang+"-") {
					return t
				}
			}
		}
	}
	return usable[0]
}

func needsPoToken(baseURL string) bool {
	return strings.Contains(baseURL, "&exp=xpe")
}

// parseTimedText returns the text of every <text> (format 1) or <p> (format 3) cue.
func parseTimedText(raw []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var (
		cues  []string
		cur   strings.Builder
		depth int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" || t.Name.Local == "p" {
				if depth == 0 {
					cur.Reset()
				}
				depth++
			}
		case xml.EndElement:
			if (t.Name.Local == "text" || t.Name.Local == "p") && depth > 0 {
				depth--
				if depth == 0 {
					cues = append(cues, cur.String())
				}
			}
		case xml.CharData:
			if depth > 0 {
				cur.Write(t)
			}
		}
	}
	return cues, nil
}

var annotationPattern = regexp.MustCompile(`\[[^\]]*\]`)

// cleanCues unescapes entities, drops annotations like [Music] and joins cues with
// single spaces.
func cleanCues(cues []string) string {
	words := make([]string, 0, len(cues)*8)
	for _, cue := range cues {
		text := html.UnescapeString(cue)
		text = annotationPattern.ReplaceAllString(text, " ")
		words = append(words, strings.Fields(text)...)
	}
	return strings.Join(words, " ")
}
