package qa

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/session"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
	"google.golang.org/genai"
)

// FallbackAnswer is returned when the model produces no text
const FallbackAnswer = "I couldn't generate an answer. Please try rephrasing your question or processing the video again."

const (
	defaultTopK          = 4
	defaultHistoryWindow = 6
	defaultTemperature   = 0.6
	defaultLanguage      = "English"
)

//go:embed prompt/system.md
var systemPromptRaw string

//go:embed prompt/question.md
var questionPromptRaw string

var systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))

var questionPromptTmpl = template.Must(template.New("question").Funcs(template.FuncMap{
	"add": func(a, b int) int { return a + b },
}).Parse(questionPromptRaw))

// QueryEmbedder turns a question into a vector comparable with the session index
type QueryEmbedder interface {
	Embed(ctx context.Context, text, apiKey string) ([]float32, error)
}

// Engine answers questions about one session's video. It never mutates the session.
type Engine struct {
	gemini        adapter.Gemini
	embedder      QueryEmbedder
	topK          int
	historyWindow int
	temperature   float32
	language      string
}

type Option func(*Engine)

// WithTopK sets how many chunks are retrieved per question
func WithTopK(k int) Option {
	return func(e *Engine) {
		e.topK = k
	}
}

// WithHistoryWindow sets how many of the most recent turns are sent with a question
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		e.historyWindow = n
	}
}

func WithTemperature(t float32) Option {
	return func(e *Engine) {
		e.temperature = t
	}
}

// WithLanguage sets the language answers are written in
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

func New(gemini adapter.Gemini, embedder QueryEmbedder, opts ...Option) *Engine {
	e := &Engine{
		gemini:        gemini,
		embedder:      embedder,
		topK:          defaultTopK,
		historyWindow: defaultHistoryWindow,
		temperature:   defaultTemperature,
		language:      defaultLanguage,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Answer is the reply to one question with the chunks it was grounded on,
// in descending similarity order.
type Answer struct {
	Text    string
	Sources []model.SearchResult
}

// Answer embeds the question, retrieves the closest chunks of the session index and asks
// the model with the recent conversation as context.
func (e *Engine) Answer(ctx context.Context, sess *session.Session, question, apiKey string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, goerr.Wrap(model.ErrValidation, "question is empty")
	}
	if sess.Index == nil || sess.Index.Len() == 0 {
		return nil, goerr.Wrap(model.ErrEmptyIndex, "session has no transcript chunks", goerr.V("session_id", sess.ID))
	}

	vector, err := e.embedder.Embed(ctx, question, apiKey)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed question", goerr.V("session_id", sess.ID))
	}

	sources, err := sess.Index.Search(vector, e.topK)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search index", goerr.V("session_id", sess.ID))
	}

	prompt, err := buildQuestionPrompt(question, sources)
	if err != nil {
		return nil, err
	}
	config, err := e.generateConfig()
	if err != nil {
		return nil, err
	}

	window := e.historyWindow
	for {
		contents := append(historyContents(sess.Recent(window)), genai.NewContentFromText(prompt, genai.RoleUser))

		resp, err := e.gemini.GenerateContent(ctx, apiKey, contents, config)
		if err == nil {
			return &Answer{Text: extractText(resp), Sources: sources}, nil
		}

		// A long conversation can push the prompt over the input limit; retry with
		// fewer past turns until none are left.
		if errors.Is(err, adapter.ErrTokenLimit) && window > 0 {
			logging.From(ctx).Warn("token limit exceeded, shrinking history window",
				"session_id", sess.ID, "window", window)
			window /= 2
			continue
		}
		if errors.Is(err, adapter.ErrTokenLimit) {
			return nil, goerr.Wrap(model.ErrValidation, "question and context exceed the model input limit",
				goerr.V("session_id", sess.ID), goerr.V("cause", err.Error()))
		}
		return nil, goerr.Wrap(err, "failed to generate answer", goerr.V("session_id", sess.ID))
	}
}

func (e *Engine) generateConfig() (*genai.GenerateContentConfig, error) {
	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, struct{ Language string }{e.language}); err != nil {
		return nil, goerr.Wrap(model.ErrInternal, "failed to render system prompt", goerr.V("cause", err.Error()))
	}

	temperature := e.temperature
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(buf.String(), ""),
		Temperature:       &temperature,
	}, nil
}

func buildQuestionPrompt(question string, sources []model.SearchResult) (string, error) {
	chunks := make([]model.Chunk, len(sources))
	for i, s := range sources {
		chunks[i] = s.Chunk
	}

	var buf bytes.Buffer
	if err := questionPromptTmpl.Execute(&buf, struct {
		Chunks   []model.Chunk
		Question string
	}{chunks, question}); err != nil {
		return "", goerr.Wrap(model.ErrInternal, "failed to render question prompt", goerr.V("cause", err.Error()))
	}
	return buf.String(), nil
}

// historyContents converts turns into genai contents. Assistant turns use the model role.
func historyContents(turns []model.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns)+1)
	for _, turn := range turns {
		role := genai.Role(genai.RoleUser)
		if turn.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	return contents
}

// extractText joins the text parts of the first candidate, skipping thoughts
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return FallbackAnswer
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return FallbackAnswer
	}
	return text
}
