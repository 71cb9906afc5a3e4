package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
)

// headerAPIKey carries the Gemini API key when the body does not
const headerAPIKey = "X-Api-Key"

type processVideoRequest struct {
	YouTubeURL string `json:"youtube_url"`
	APIKey     string `json:"api_key"`
}

type processVideoResponse struct {
	SessionID model.SessionID `json:"session_id"`
	Message   string          `json:"message"`
}

type chatRequest struct {
	Question  string          `json:"question"`
	SessionID model.SessionID `json:"session_id"`
	APIKey    string          `json:"api_key"`
}

type source struct {
	Text       string  `json:"text"`
	OrderIndex int     `json:"order_index"`
	Score      float64 `json:"score"`
}

type chatResponse struct {
	Answer  string   `json:"answer"`
	Sources []source `json:"sources,omitempty"`
}

type clearSessionRequest struct {
	SessionID model.SessionID `json:"session_id"`
}

type clearSessionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type historyResponse struct {
	SessionID model.SessionID `json:"session_id"`
	Turns     []model.Turn    `json:"turns"`
}

// bind decodes the JSON body; malformed bodies are validation errors
func bind(c echo.Context, v any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
		return goerr.Wrap(model.ErrValidation, "malformed request body", goerr.V("cause", err.Error()))
	}
	return nil
}

func apiKey(c echo.Context, fromBody string) string {
	if key := strings.TrimSpace(fromBody); key != "" {
		return key
	}
	return strings.TrimSpace(c.Request().Header.Get(headerAPIKey))
}

func (s *Server) processVideo(c echo.Context) error {
	var req processVideoRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	key := apiKey(c, req.APIKey)
	if key == "" {
		return goerr.Wrap(model.ErrValidation, "Gemini API key is required")
	}

	id, err := s.svc.ProcessVideo(c.Request().Context(), req.YouTubeURL, key)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, processVideoResponse{
		SessionID: id,
		Message:   "Video processed and chatbot initialized.",
	})
}

func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	answer, err := s.svc.Chat(c.Request().Context(), req.SessionID, req.Question, apiKey(c, req.APIKey))
	if err != nil {
		return err
	}

	resp := chatResponse{Answer: answer.Text}
	if s.showSources {
		for _, src := range answer.Sources {
			resp.Sources = append(resp.Sources, source{
				Text:       src.Chunk.Text,
				OrderIndex: src.Chunk.OrderIndex,
				Score:      src.Score,
			})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) clearSession(c echo.Context) error {
	var req clearSessionRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if _, err := s.svc.ClearSession(c.Request().Context(), req.SessionID); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, clearSessionResponse{
		Status:  "success",
		Message: "Session '" + string(req.SessionID) + "' cleared successfully.",
	})
}

func (s *Server) health(c echo.Context) error {
	h := s.svc.Health(c.Request().Context())
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

func (s *Server) history(c echo.Context) error {
	id := model.SessionID(c.Param("session_id"))
	turns, err := s.svc.History(c.Request().Context(), id)
	if err != nil {
		return err
	}

	if turns == nil {
		turns = []model.Turn{}
	}
	return c.JSON(http.StatusOK, historyResponse{SessionID: id, Turns: turns})
}
