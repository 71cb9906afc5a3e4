package lifecycle

import (
	"errors"
	"net/http"
	"strings"

	"github.com/m-mizutani/ytchat/pkg/model"
)

// Kind names an error category visible to clients
type Kind string

const (
	KindValidation       Kind = "validation"
	KindVideoUnavailable Kind = "video_unavailable"
	KindAuth             Kind = "auth"
	KindRateLimit        Kind = "rate_limit"
	KindTransport        Kind = "transport"
	KindEmptyIndex       Kind = "empty_index"
	KindSessionNotFound  Kind = "session_not_found"
	KindInternal         Kind = "internal"
)

// Failure is the client facing form of an error
type Failure struct {
	Kind    Kind
	Status  int
	Message string
}

// Classify maps an error returned by Manager to an HTTP status and a message that is safe
// to show to users. Unknown errors are internal.
func Classify(err error) Failure {
	switch {
	case errors.Is(err, model.ErrValidation):
		return Failure{KindValidation, http.StatusBadRequest, "Invalid request: " + strings.TrimSuffix(err.Error(), ": "+model.ErrValidation.Error())}
	case errors.Is(err, model.ErrSessionNotFound):
		return Failure{KindSessionNotFound, http.StatusNotFound, "Session not found. Please process the video again."}
	case errors.Is(err, model.ErrAuth):
		return Failure{KindAuth, http.StatusUnauthorized, "The API key was rejected. Please check your Gemini API key."}
	case errors.Is(err, model.ErrVideoUnavailable):
		return Failure{KindVideoUnavailable, http.StatusUnprocessableEntity,
			"Could not retrieve a transcript for this video. Captions may be disabled, or the video may be private or removed."}
	case errors.Is(err, model.ErrEmptyIndex):
		return Failure{KindEmptyIndex, http.StatusUnprocessableEntity, "This video has no transcript content to answer from."}
	case errors.Is(err, model.ErrRateLimit):
		return Failure{KindRateLimit, http.StatusTooManyRequests, "The provider rate limit was exceeded. Please try again later."}
	case errors.Is(err, model.ErrTransport):
		return Failure{KindTransport, http.StatusBadGateway, "An upstream service could not be reached. Please try again."}
	default:
		return Failure{KindInternal, http.StatusInternalServerError, "Internal server error."}
	}
}
