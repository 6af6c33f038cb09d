package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/positions-api/internal/apperr"
	"github.com/rs/zerolog/log"
)

// Error is the body of every failed request. TradeID is set when the failed
// attempt was journaled and can be looked up.
type Error struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
	TradeID string `json:"tradeId,omitempty"`
}

// kindInternal marks an error that reached the API surface unclassified
const kindInternal = "Internal"

var statusByKind = map[apperr.Kind]int{
	apperr.KindConflict:          http.StatusBadRequest,
	apperr.KindInvalidCredential: http.StatusBadRequest,
	apperr.KindInvalidParameter:  http.StatusBadRequest,
	apperr.KindInactiveAccount:   http.StatusForbidden,
	apperr.KindNotFound:          http.StatusNotFound,
	apperr.KindGateway:           http.StatusBadGateway,
	apperr.KindTimeout:           http.StatusGatewayTimeout,
	apperr.KindStorage:           http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error kind
func StatusFor(kind apperr.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Handle writes data with 200 when err is nil, otherwise the mapped error
func Handle(c *gin.Context, data interface{}, err error) {
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, data)
}

// Success sends a 200 response with data as the body
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Fail maps a classified error to its status code and {kind, detail} body
func Fail(c *gin.Context, err error) {
	FailTrade(c, err, "")
}

// FailTrade is Fail with a reference to the journaled trade attempt
func FailTrade(c *gin.Context, err error, tradeID string) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Unclassified error reached the API surface")
		c.JSON(http.StatusInternalServerError, Error{Kind: kindInternal, Detail: "An unexpected error occurred", TradeID: tradeID})
		return
	}

	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Str("kind", string(kind)).Msg("Request failed")
	}

	detail := apperr.MessageOf(err)
	if kind == apperr.KindTimeout && detail == err.Error() {
		detail = "operation timed out"
	}
	c.JSON(status, Error{Kind: string(kind), Detail: detail, TradeID: tradeID})
}

// BadRequest sends a 400 response for a malformed request
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Error{Kind: string(apperr.KindInvalidParameter), Detail: message})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Error{Kind: string(apperr.KindInvalidCredential), Detail: message})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	c.JSON(http.StatusTooManyRequests, Error{Kind: "RateLimited", Detail: message})
}
