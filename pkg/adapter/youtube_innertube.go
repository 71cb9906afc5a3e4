package adapter

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
)

// Innertube is the JSON API behind the YouTube web and mobile clients.
const (
	innertubeNextPath          = "/youtubei/v1/next"
	innertubeGetTranscriptPath = "/youtubei/v1/get_transcript"
	innertubePlayerPath        = "/youtubei/v1/player"

	innertubeWebVersion     = "2.20250222.10.00"
	innertubeAndroidVersion = "20.10.38"
	innertubeAndroidUA      = "com.google.android.youtube/" + innertubeAndroidVersion + " (Linux; U; Android 11) gzip"
)

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	VisitorData       string `json:"visitorData,omitempty"`
	Hl                string `json:"hl,omitempty"`
	Gl                string `json:"gl,omitempty"`
}

type innertubeContext struct {
	Client innertubeClient `json:"client"`
}

type nextRequest struct {
	VideoID string           `json:"videoId"`
	Context innertubeContext `json:"context"`
}

type getTranscriptRequest struct {
	Params  string           `json:"params"`
	Context innertubeContext `json:"context"`
}

type playerRequest struct {
	VideoID        string           `json:"videoId"`
	Context        innertubeContext `json:"context"`
	RacyCheckOk    bool             `json:"racyCheckOk"`
	ContentCheckOk bool             `json:"contentCheckOk"`
}

type getTranscriptResponse struct {
	Actions []struct {
		UpdateEngagementPanelAction *struct {
			Content struct {
				TranscriptRenderer struct {
					Content struct {
						TranscriptSearchPanelRenderer struct {
							Body struct {
								TranscriptSegmentListRenderer struct {
									InitialSegments []struct {
										TranscriptSegmentRenderer *struct {
											Snippet struct {
												Runs []struct {
													Text string `json:"text"`
												} `json:"runs"`
											} `json:"snippet"`
										} `json:"transcriptSegmentRenderer"`
									} `json:"initialSegments"`
								} `json:"transcriptSegmentListRenderer"`
							} `json:"body"`
						} `json:"transcriptSearchPanelRenderer"`
					} `json:"content"`
				} `json:"transcriptRenderer"`
			} `json:"content"`
		} `json:"updateEngagementPanelAction"`
	} `json:"actions"`
}

func (r *getTranscriptResponse) segments() []string {
	var segs []string
	for _, action := range r.Actions {
		if action.UpdateEngagementPanelAction == nil {
			continue
		}
		list := action.UpdateEngagementPanelAction.Content.
			TranscriptRenderer.Content.
			TranscriptSearchPanelRenderer.Body.
			TranscriptSegmentListRenderer.InitialSegments
		for _, seg := range list {
			if seg.TranscriptSegmentRenderer == nil {
				continue
			}
			var b strings.Builder
			for _, run := range seg.TranscriptSegmentRenderer.Snippet.Runs {
				b.WriteString(run.Text)
			}
			segs = append(segs, b.String())
		}
	}
	return segs
}

// transcriptTokenPattern finds the continuation token of the transcript panel in a /next response
var transcriptTokenPattern = regexp.MustCompile(`"getTranscriptEndpoint":\{"params":"([^"]+)"`)

func extractTranscriptToken(data []byte) (string, bool) {
	m := transcriptTokenPattern.FindSubmatch(data)
	if len(m) < 2 {
		return "", false
	}
	// the token is URL encoded in /next but /get_transcript wants it raw
	if decoded, err := url.QueryUnescape(string(m[1])); err == nil {
		return decoded, true
	}
	return string(m[1]), true
}

// newVisitorData returns a random visitor id for anonymous WEB client requests
func newVisitorData() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	b := make([]byte, 11)
	for i := range b {
		b[i] = chars[rand.IntN(len(chars))]
	}
	return string(b)
}

func webClient(visitorData string) innertubeClient {
	return innertubeClient{
		ClientName:    "WEB",
		ClientVersion: innertubeWebVersion,
		VisitorData:   visitorData,
		Hl:            "en",
		Gl:            "US",
	}
}

func (y *YouTube) postWeb(ctx context.Context, path string, payload any, visitorData string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, goerr.Wrap(model.ErrInternal, "failed to encode innertube request", goerr.V("cause", err.Error()))
	}
	return y.do(ctx, http.MethodPost, y.baseURL+path+"?prettyPrint=false", body, func(req *http.Request) {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgentChrome)
		req.Header.Set("X-Youtube-Client-Name", "1")
		req.Header.Set("X-Youtube-Client-Version", innertubeWebVersion)
		req.Header.Set("X-Goog-Visitor-Id", visitorData)
		req.Header.Set("Origin", "https://www.youtube.com")
		req.Header.Set("Referer", "https://www.youtube.com/")
	})
}

// fetchViaTranscriptPanel reads the transcript shown in the watch page side panel:
// /next announces the panel and /get_transcript returns its segments. The caption
// language is the video default and is not reported.
func (y *YouTube) fetchViaTranscriptPanel(ctx context.Context, videoID model.VideoID) (*model.Transcript, error) {
	visitorData := newVisitorData()

	next, err := y.postWeb(ctx, innertubeNextPath, nextRequest{
		VideoID: string(videoID),
		Context: innertubeContext{Client: webClient(visitorData)},
	}, visitorData)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch video details", goerr.V("video_id", videoID))
	}

	token, ok := extractTranscriptToken(next)
	if !ok {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "video has no transcript panel", goerr.V("video_id", videoID))
	}

	raw, err := y.postWeb(ctx, innertubeGetTranscriptPath, getTranscriptRequest{
		Params:  token,
		Context: innertubeContext{Client: webClient(visitorData)},
	}, visitorData)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch transcript panel", goerr.V("video_id", videoID))
	}

	var resp getTranscriptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "transcript panel is not valid JSON",
			goerr.V("video_id", videoID),
			goerr.V("cause", err.Error()),
		)
	}

	text := cleanCues(resp.segments())
	if text == "" {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "transcript panel is empty", goerr.V("video_id", videoID))
	}
	return &model.Transcript{VideoID: videoID, Text: text}, nil
}

// fetchViaPlayer asks the player endpoint as the ANDROID app, whose caption tracks do
// not require the browser-only PoToken.
func (y *YouTube) fetchViaPlayer(ctx context.Context, videoID model.VideoID) (*model.Transcript, error) {
	body, err := json.Marshal(playerRequest{
		VideoID: string(videoID),
		Context: innertubeContext{Client: innertubeClient{
			ClientName:        "ANDROID",
			ClientVersion:     innertubeAndroidVersion,
			AndroidSdkVersion: 30,
			Hl:                "en",
			Gl:                "US",
		}},
		RacyCheckOk:    true,
		ContentCheckOk: true,
	})
	if err != nil {
		return nil, goerr.Wrap(model.ErrInternal, "failed to encode player request", goerr.V("cause", err.Error()))
	}

	raw, err := y.do(ctx, http.MethodPost, y.baseURL+innertubePlayerPath+"?prettyPrint=false", body, func(req *http.Request) {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", innertubeAndroidUA)
		req.Header.Set("X-Youtube-Client-Name", "3")
		req.Header.Set("X-Youtube-Client-Version", innertubeAndroidVersion)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch player response", goerr.V("video_id", videoID))
	}

	var player playerResponse
	if err := json.Unmarshal(raw, &player); err != nil {
		return nil, goerr.Wrap(model.ErrVideoUnavailable, "player response is not valid JSON",
			goerr.V("video_id", videoID),
			goerr.V("cause", err.Error()),
		)
	}
	return y.transcriptFromPlayer(ctx, videoID, &player)
}
