package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"google.golang.org/genai"
)

// ErrTokenLimit is returned when the prompt exceeds the model's input token limit.
var ErrTokenLimit = goerr.New("input token limit exceeded")

// Embedding task types understood by Gemini embedding models
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// Gemini is the generative and embedding API. The API key is supplied per call and is
// not retained by the client.
type Gemini interface {
	GenerateContent(ctx context.Context, apiKey string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContents(ctx context.Context, apiKey string, texts []string, taskType string) ([][]float32, error)
	EmbeddingModel() string
}

type GeminiClient struct {
	generativeModel string
	embeddingModel  string
	dimensions      int
	baseURL         string
	httpClient      *http.Client
	policy          CallPolicy
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimensions truncates embeddings to n dimensions. Zero keeps the model default.
func WithEmbeddingDimensions(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimensions = n
	}
}

// WithBaseURL overrides the Gemini API endpoint
func WithBaseURL(baseURL string) GeminiOption {
	return func(g *GeminiClient) {
		g.baseURL = baseURL
	}
}

func WithHTTPClient(client *http.Client) GeminiOption {
	return func(g *GeminiClient) {
		g.httpClient = client
	}
}

func WithCallPolicy(p CallPolicy) GeminiOption {
	return func(g *GeminiClient) {
		g.policy = p
	}
}

func NewGemini(opts ...GeminiOption) *GeminiClient {
	g := &GeminiClient{
		generativeModel: "gemini-2.0-flash-lite",
		embeddingModel:  "gemini-embedding-001",
		policy:          DefaultCallPolicy(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *GeminiClient) EmbeddingModel() string {
	return g.embeddingModel
}

// newClient builds a client bound to apiKey. Building is local; no request is sent.
func (g *GeminiClient) newClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, goerr.Wrap(model.ErrAuth, "API key is empty")
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions.BaseURL = g.baseURL
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(model.ErrInternal, "failed to create genai client", goerr.V("cause", err.Error()))
	}
	return client, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, apiKey string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := g.newClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	return Call(ctx, g.policy, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
		if err != nil {
			return nil, classifyGeminiError(err, "failed to generate content")
		}
		return resp, nil
	})
}

func (g *GeminiClient) EmbedContents(ctx context.Context, apiKey string, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	client, err := g.newClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	config := &genai.EmbedContentConfig{TaskType: taskType}
	if g.dimensions > 0 {
		dim := int32(g.dimensions)
		config.OutputDimensionality = &dim
	}

	return Call(ctx, g.policy, func(ctx context.Context) ([][]float32, error) {
		resp, err := client.Models.EmbedContent(ctx, g.embeddingModel, contents, config)
		if err != nil {
			return nil, classifyGeminiError(err, "failed to embed content")
		}

		vectors := make([][]float32, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			if e == nil {
				return nil, goerr.Wrap(model.ErrInternal, "embedding response has an empty entry", goerr.V("position", i))
			}
			vectors[i] = e.Values
		}
		return vectors, nil
	})
}

// classifyGeminiError maps a genai error into one of the model error kinds.
func classifyGeminiError(err error, msg string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		opts := []goerr.Option{
			goerr.V("code", apiErr.Code),
			goerr.V("status", apiErr.Status),
			goerr.V("message", apiErr.Message),
		}
		switch {
		case isTokenLimitError(apiErr):
			return goerr.Wrap(ErrTokenLimit, msg, opts...)
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden, isInvalidKeyError(apiErr):
			return goerr.Wrap(model.ErrAuth, msg, opts...)
		case apiErr.Code == http.StatusTooManyRequests:
			return goerr.Wrap(model.ErrRateLimit, msg, opts...)
		case apiErr.Code >= 500:
			return goerr.Wrap(model.ErrTransport, msg, opts...)
		default:
			return goerr.Wrap(model.ErrInternal, msg, opts...)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return goerr.Wrap(model.ErrTransport, msg, goerr.V("cause", err.Error()))
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return goerr.Wrap(model.ErrTransport, msg, goerr.V("cause", err.Error()))
	}

	return goerr.Wrap(model.ErrInternal, msg, goerr.V("cause", err.Error()))
}

// isInvalidKeyError detects the 400 response Gemini returns for a malformed or unknown key
func isInvalidKeyError(apiErr genai.APIError) bool {
	if apiErr.Code != http.StatusBadRequest {
		return false
	}
	return strings.Contains(apiErr.Message, "API key not valid") ||
		strings.Contains(apiErr.Message, "API_KEY_INVALID")
}

// isTokenLimitError checks the exact Gemini token limit error pattern.
// Example: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576)."
func isTokenLimitError(apiErr genai.APIError) bool {
	return apiErr.Code == http.StatusBadRequest &&
		apiErr.Status == "INVALID_ARGUMENT" &&
		strings.HasPrefix(apiErr.Message, "The input token count (") &&
		strings.Contains(apiErr.Message, ") exceeds the maximum number of tokens allowed (")
}
