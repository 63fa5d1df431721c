package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/customapi"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/pool"
	"github.com/kirobox/kirobox/internal/stream"
)

// wireFormat selects the error vocabulary an endpoint speaks.
type wireFormat int

const (
	formatOpenAI wireFormat = iota
	formatAnthropic
)

// Error types in the Anthropic vocabulary, used for both dialects.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypePermission     = "permission_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeAPI            = "api_error"
	errTypeOverloaded     = "overloaded_error"
)

// errStreamInterrupted stands in for a stream that died after bytes were
// sent. The client already saw the wire-level error; this one only feeds
// outcome recording.
var errStreamInterrupted = errors.New("upstream stream interrupted mid-response")

// writeWireError writes one error body in the endpoint's dialect.
//
// Anthropic: {"type":"error","error":{"type":..., "message":...}}
// OpenAI:    {"error":{"message":..., "type":..., "code":...}}
func writeWireError(c *gin.Context, format wireFormat, status int, errType, message string) {
	if format == formatAnthropic {
		c.JSON(status, gin.H{
			"type":  "error",
			"error": gin.H{"type": errType, "message": message},
		})
		return
	}
	c.JSON(status, gin.H{
		"error": gin.H{"message": message, "type": errType, "code": status},
	})
}

// replyError maps a pipeline error onto the client connection. Nothing is
// written when response bytes already went out; the stream carried its own
// error signal.
func (s *Server) replyError(c *gin.Context, ex *exchange, err error) {
	if c.Writer.Written() {
		return
	}
	status, errType, message := s.mapError(err)
	writeWireError(c, ex.format, status, errType, message)
}

// mapError resolves a pipeline error into status, wire type, and message.
func (s *Server) mapError(err error) (int, string, string) {
	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		return mapUpstreamError(apiErr)
	}

	var upErr *customapi.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode, upErr.Type, upErr.Message
	}

	switch {
	case errors.Is(err, stream.ErrFirstTokenTimeout):
		return http.StatusGatewayTimeout, errTypeAPI, err.Error()
	case errors.Is(err, pool.ErrNoToken):
		return http.StatusServiceUnavailable, errTypeOverloaded, err.Error()
	}

	message := "internal server error"
	if s.settings.GetDebug() {
		message = err.Error()
	}
	return http.StatusInternalServerError, errTypeAPI, message
}

// mapUpstreamError translates a parsed upstream rejection. Input-side
// rejections become 400 invalid_request_error with fixed guidance no matter
// what status the upstream used; everything else mirrors the status.
func mapUpstreamError(apiErr *kiro.APIError) (int, string, string) {
	switch {
	case apiErr.IsContextOverflow():
		return http.StatusBadRequest, errTypeInvalidRequest, config.ErrMsgContextFull
	case apiErr.IsInputTooLong():
		return http.StatusBadRequest, errTypeInvalidRequest, config.ErrMsgInputLong
	}

	errType := errTypeAPI
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		errType = errTypeAuthentication
	case http.StatusForbidden:
		errType = errTypePermission
	case http.StatusTooManyRequests:
		errType = errTypeRateLimit
	case http.StatusServiceUnavailable:
		errType = errTypeOverloaded
	}

	// Message already carries the "(reason: …)" suffix from parsing.
	message := apiErr.Message
	if message == "" {
		message = "upstream request failed"
	}
	return apiErr.StatusCode, errType, message
}

// errorCode condenses an error for the metrics label.
func errorCode(err error) string {
	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Reason != "" {
			return apiErr.Reason
		}
		return strconv.Itoa(apiErr.StatusCode)
	}

	var upErr *customapi.UpstreamError
	if errors.As(err, &upErr) {
		return strconv.Itoa(upErr.StatusCode)
	}

	switch {
	case errors.Is(err, stream.ErrFirstTokenTimeout):
		return "first_token_timeout"
	case errors.Is(err, pool.ErrNoToken):
		return "no_token"
	case errors.Is(err, errStreamInterrupted):
		return "stream_interrupted"
	}
	return "internal"
}
