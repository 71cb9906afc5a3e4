package logging_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
)

// records decodes JSON log lines written to buf
func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r map[string]any
		gt.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

func messages(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var out []string
	for _, r := range records(t, buf) {
		out = append(out, r["msg"].(string))
	}
	return out
}

func TestLevels(t *testing.T) {
	// one line per level, as emitted while ingesting a video
	emit := func(ctx context.Context) {
		logger := logging.From(ctx).With("video_id", "dQw4w9WgXcQ")
		logger.Debug("transcript chunked", "chunks", 12)
		logger.Info("session created", "session_id", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		logger.Warn("failed to persist history")
		logger.Error("request failed", "status", 502)
	}

	testCases := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"transcript chunked", "session created", "failed to persist history", "request failed"}},
		{"info", []string{"session created", "failed to persist history", "request failed"}},
		{"warn", []string{"failed to persist history", "request failed"}},
		{"warning", []string{"failed to persist history", "request failed"}},
		{"error", []string{"request failed"}},
		{"DEBUG", []string{"transcript chunked", "session created", "failed to persist history", "request failed"}},
		{"verbose", []string{"session created", "failed to persist history", "request failed"}},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(tc.level, buf, logging.WithFormat(logging.FormatJSON))
			emit(logging.With(context.Background(), logger))
			gt.Equal(t, messages(t, buf), tc.want)
		})
	}
}

func TestConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf)
	gt.V(t, logger).NotNil()

	logger.Info("sessions restored", "count", 3)
	gt.S(t, buf.String()).Contains("sessions restored")
}

func TestContextCarriesRequestAttributes(t *testing.T) {
	buf := &bytes.Buffer{}
	base := logging.New("info", buf, logging.WithFormat(logging.FormatJSON))

	ctx := logging.With(context.Background(), base.With("session_id", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"))

	logging.From(ctx).Info("session cleared", "removed", true)

	rs := records(t, buf)
	gt.A(t, rs).Length(1)
	gt.Equal(t, rs[0]["msg"], any("session cleared"))
	gt.Equal(t, rs[0]["session_id"], any("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	gt.Equal(t, rs[0]["removed"], any(true))
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	t.Cleanup(func() { logging.SetDefault(original) })

	buf := &bytes.Buffer{}
	logger := logging.New("warn", buf, logging.WithFormat(logging.FormatJSON))
	logging.SetDefault(logger)
	gt.Equal(t, logging.Default(), logger)

	// evicted sessions are deleted in the background, without a request context
	logging.From(context.Background()).Warn("failed to delete evicted session", "session_id", "s1")
	logging.Default().Info("evicted session deleted", "session_id", "s1")

	gt.Equal(t, messages(t, buf), []string{"failed to delete evicted session"})
}

func TestJSONFormatExpandsGoerr(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf, logging.WithFormat(logging.FormatJSON))

	err := goerr.New("failed to fetch transcript", goerr.V("video_id", "dQw4w9WgXcQ"))
	logger.Error("request failed", "error", err)

	var record struct {
		Error map[string]any `json:"error"`
	}
	gt.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	gt.Equal(t, record.Error["message"], any("failed to fetch transcript"))
	gt.Equal(t, record.Error["video_id"], any("dQw4w9WgXcQ"))
}

func TestParseFormat(t *testing.T) {
	f, err := logging.ParseFormat("JSON")
	gt.NoError(t, err)
	gt.Equal(t, f, logging.FormatJSON)

	f, err = logging.ParseFormat("console")
	gt.NoError(t, err)
	gt.Equal(t, f, logging.FormatConsole)

	_, err = logging.ParseFormat("xml")
	gt.Error(t, err)
}
