package qa_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/index"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/session"
	"github.com/m-mizutani/ytchat/pkg/usecase/qa"
	"google.golang.org/genai"
)

type mockGemini struct {
	generate func(call int, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	calls    [][]*genai.Content
	configs  []*genai.GenerateContentConfig
	apiKeys  []string
}

func (m *mockGemini) GenerateContent(ctx context.Context, apiKey string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls = append(m.calls, contents)
	m.configs = append(m.configs, config)
	m.apiKeys = append(m.apiKeys, apiKey)
	return m.generate(len(m.calls), contents, config)
}

func (m *mockGemini) EmbedContents(ctx context.Context, apiKey string, texts []string, taskType string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (m *mockGemini) EmbeddingModel() string { return "mock" }

type embedFunc func(ctx context.Context, text, apiKey string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text, apiKey string) ([]float32, error) {
	return f(ctx, text, apiKey)
}

func fixedQuery(v []float32) embedFunc {
	return func(ctx context.Context, text, apiKey string) ([]float32, error) {
		return v, nil
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func reply(text string) func(int, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return func(int, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return textResponse(text), nil
	}
}

func contentText(c *genai.Content) string {
	var s string
	for _, p := range c.Parts {
		s += p.Text
	}
	return s
}

func newTestSession(t *testing.T) *session.Session {
	idx, err := index.Build([]model.Chunk{
		{Text: "The speaker introduces Go generics.", OrderIndex: 0, Embedding: []float32{1, 0, 0}},
		{Text: "Type parameters are declared in brackets.", OrderIndex: 1, Embedding: []float32{0.9, 0.1, 0}},
		{Text: "Thanks for watching, subscribe.", OrderIndex: 2, Embedding: []float32{0, 0, 1}},
		{Text: "Constraints limit the allowed types.", OrderIndex: 3, Embedding: []float32{0.7, 0.3, 0}},
		{Text: "Music plays in the background.", OrderIndex: 4, Embedding: []float32{0, 1, 0}},
	})
	gt.NoError(t, err)

	return session.New(session.NewInput{
		ID:        model.NewSessionID(),
		VideoURL:  "https://youtu.be/dQw4w9WgXcQ",
		VideoID:   "dQw4w9WgXcQ",
		Index:     idx,
		CreatedAt: time.Now(),
	})
}

func TestAnswerUsesRetrievedChunks(t *testing.T) {
	mock := &mockGemini{generate: reply("This video is about **Go generics**.")}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))
	sess := newTestSession(t)

	answer, err := engine.Answer(context.Background(), sess, "What is this video about?", "test-key")
	gt.NoError(t, err)
	gt.Equal(t, answer.Text, "This video is about **Go generics**.")

	gt.A(t, answer.Sources).Length(4)
	gt.Equal(t, answer.Sources[0].Chunk.OrderIndex, 0)
	gt.Equal(t, answer.Sources[1].Chunk.OrderIndex, 1)
	gt.Equal(t, answer.Sources[2].Chunk.OrderIndex, 3)
	for i := 1; i < len(answer.Sources); i++ {
		gt.True(t, answer.Sources[i-1].Score >= answer.Sources[i].Score)
	}

	gt.A(t, mock.calls).Length(1)
	gt.Equal(t, mock.apiKeys[0], "test-key")
	contents := mock.calls[0]
	gt.A(t, contents).Length(1)
	gt.Equal(t, contents[0].Role, genai.RoleUser)

	prompt := contentText(contents[0])
	gt.S(t, prompt).Contains("The speaker introduces Go generics.")
	gt.S(t, prompt).Contains("What is this video about?")
	gt.S(t, prompt).NotContains("Music plays in the background.")

	config := mock.configs[0]
	gt.V(t, config.SystemInstruction).NotNil()
	gt.S(t, contentText(config.SystemInstruction)).Contains("friendly AI assistant")
	gt.S(t, contentText(config.SystemInstruction)).Contains("English")
	gt.Equal(t, *config.Temperature, float32(0.6))
}

func TestAnswerSendsRecentHistory(t *testing.T) {
	mock := &mockGemini{generate: reply("ok")}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}), qa.WithHistoryWindow(4))
	sess := newTestSession(t)

	for i := 0; i < 5; i++ {
		sess.Append(
			model.Turn{Role: model.RoleUser, Content: fmt.Sprintf("question %d", i)},
			model.Turn{Role: model.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
		)
	}

	_, err := engine.Answer(context.Background(), sess, "And then?", "key")
	gt.NoError(t, err)

	contents := mock.calls[0]
	gt.A(t, contents).Length(5)
	gt.Equal(t, contentText(contents[0]), "question 3")
	gt.Equal(t, contents[0].Role, genai.RoleUser)
	gt.Equal(t, contentText(contents[1]), "answer 3")
	gt.Equal(t, contents[1].Role, genai.RoleModel)
	gt.Equal(t, contentText(contents[3]), "answer 4")
	gt.S(t, contentText(contents[4])).Contains("And then?")
}

func TestAnswerDoesNotMutateSession(t *testing.T) {
	mock := &mockGemini{generate: reply("ok")}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))
	sess := newTestSession(t)
	before := sess.LastAccessed()

	_, err := engine.Answer(context.Background(), sess, "What?", "key")
	gt.NoError(t, err)
	gt.A(t, sess.History()).Length(0)
	gt.Equal(t, sess.LastAccessed(), before)
}

func TestAnswerEmptyIndex(t *testing.T) {
	mock := &mockGemini{generate: reply("unused")}
	embedCalled := false
	engine := qa.New(mock, embedFunc(func(ctx context.Context, text, apiKey string) ([]float32, error) {
		embedCalled = true
		return []float32{1}, nil
	}))

	idx, err := index.Build(nil)
	gt.NoError(t, err)
	sess := session.New(session.NewInput{ID: model.NewSessionID(), Index: idx, CreatedAt: time.Now()})

	_, err = engine.Answer(context.Background(), sess, "Anything?", "key")
	gt.True(t, errors.Is(err, model.ErrEmptyIndex))
	gt.False(t, embedCalled)
	gt.A(t, mock.calls).Length(0)
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	mock := &mockGemini{generate: reply("unused")}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))

	_, err := engine.Answer(context.Background(), newTestSession(t), "   ", "key")
	gt.True(t, errors.Is(err, model.ErrValidation))
}

func TestAnswerPropagatesProviderErrors(t *testing.T) {
	t.Run("embedding auth failure", func(t *testing.T) {
		mock := &mockGemini{generate: reply("unused")}
		engine := qa.New(mock, embedFunc(func(ctx context.Context, text, apiKey string) ([]float32, error) {
			return nil, goerr.Wrap(model.ErrAuth, "bad key")
		}))

		_, err := engine.Answer(context.Background(), newTestSession(t), "Q?", "bad")
		gt.True(t, errors.Is(err, model.ErrAuth))
		gt.A(t, mock.calls).Length(0)
	})

	t.Run("generation rate limited", func(t *testing.T) {
		mock := &mockGemini{generate: func(int, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return nil, goerr.Wrap(model.ErrRateLimit, "quota")
		}}
		engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))

		_, err := engine.Answer(context.Background(), newTestSession(t), "Q?", "key")
		gt.True(t, errors.Is(err, model.ErrRateLimit))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		mock := &mockGemini{generate: reply("unused")}
		engine := qa.New(mock, fixedQuery([]float32{1, 0}))

		_, err := engine.Answer(context.Background(), newTestSession(t), "Q?", "key")
		gt.True(t, errors.Is(err, model.ErrInternal))
	})
}

func TestAnswerShrinksHistoryOnTokenLimit(t *testing.T) {
	mock := &mockGemini{generate: func(call int, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		if call == 1 {
			return nil, goerr.Wrap(adapter.ErrTokenLimit, "too long")
		}
		return textResponse("short enough"), nil
	}}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}), qa.WithHistoryWindow(6))
	sess := newTestSession(t)
	for i := 0; i < 4; i++ {
		sess.Append(
			model.Turn{Role: model.RoleUser, Content: "q"},
			model.Turn{Role: model.RoleAssistant, Content: "a"},
		)
	}

	answer, err := engine.Answer(context.Background(), sess, "Q?", "key")
	gt.NoError(t, err)
	gt.Equal(t, answer.Text, "short enough")
	gt.A(t, mock.calls).Length(2)
	gt.A(t, mock.calls[0]).Length(7)
	gt.A(t, mock.calls[1]).Length(4)
}

func TestAnswerTokenLimitWithoutHistory(t *testing.T) {
	mock := &mockGemini{generate: func(int, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, goerr.Wrap(adapter.ErrTokenLimit, "too long")
	}}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))
	sess := newTestSession(t)
	sess.Append(model.Turn{Role: model.RoleUser, Content: "q"}, model.Turn{Role: model.RoleAssistant, Content: "a"})

	_, err := engine.Answer(context.Background(), sess, "Q?", "key")
	gt.True(t, errors.Is(err, model.ErrValidation))
	// window 6 -> 3 -> 1 -> 0
	gt.A(t, mock.calls).Length(4)
}

func TestAnswerFallbackOnEmptyResponse(t *testing.T) {
	mock := &mockGemini{generate: func(int, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{}, nil
	}}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))

	answer, err := engine.Answer(context.Background(), newTestSession(t), "Q?", "key")
	gt.NoError(t, err)
	gt.Equal(t, answer.Text, qa.FallbackAnswer)
}

func TestAnswerSkipsThoughtParts(t *testing.T) {
	mock := &mockGemini{generate: func(int, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
					{Text: "thinking...", Thought: true},
					{Text: "Final answer."},
				}},
			}},
		}, nil
	}}
	engine := qa.New(mock, fixedQuery([]float32{1, 0, 0}))

	answer, err := engine.Answer(context.Background(), newTestSession(t), "Q?", "key")
	gt.NoError(t, err)
	gt.Equal(t, answer.Text, "Final answer.")
}
