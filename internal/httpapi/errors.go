package httpapi

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pitchengine/internal/domain"
)

type errorBody struct {
	Stage             domain.Stage `json:"stage"`
	Code              domain.Code  `json:"code"`
	Kind              domain.Kind  `json:"kind"`
	Provider          string       `json:"provider,omitempty"`
	Message           string       `json:"message"`
	RetryAfterSeconds int          `json:"retry_after_seconds,omitempty"`
}

func newErrorBody(pe *domain.Error) errorBody {
	body := errorBody{
		Stage:    pe.Stage,
		Code:     pe.Code,
		Kind:     pe.Kind,
		Provider: pe.Provider,
		Message:  pe.UserMessage(),
	}
	if pe.RetryAfter > 0 {
		body.RetryAfterSeconds = int(math.Ceil(pe.RetryAfter.Seconds()))
	}
	return body
}

// statusFor maps a failure code to the HTTP status returned for it.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeNoVoiceIdentity:
		return http.StatusPreconditionFailed
	case domain.CodeNotConfigured, domain.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeGenerationFailed, domain.CodeContentPolicy:
		return http.StatusUnprocessableEntity
	case domain.CodeExtractionFailed:
		return http.StatusBadGateway
	case domain.CodeCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// writeError renders err. link is included when the failure left the link in
// a state worth showing.
func writeError(c *gin.Context, err error, link *domain.Link) {
	pe, ok := domain.AsError(err)
	if !ok {
		pe = domain.NewError(domain.StageStore, domain.CodeInternal, "internal error", err)
	}
	if pe.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}
	resp := gin.H{"error": newErrorBody(pe)}
	if link != nil && link.ID != "" {
		resp["link"] = link
	}
	c.JSON(statusFor(pe.Code), resp)
}
