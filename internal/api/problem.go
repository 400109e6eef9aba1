package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uniqx/market-engine/internal/market"
)

// Problem is an RFC 7807 problem-details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func statusFor(code market.Code) (int, string) {
	switch code {
	case market.CodeUnauthorized:
		return http.StatusForbidden, "forbidden"
	case market.CodeNotFound:
		return http.StatusNotFound, "not-found"
	case market.CodeAlreadyExists:
		return http.StatusConflict, "already-exists"
	case market.CodeInvalidArgument:
		return http.StatusBadRequest, "invalid-argument"
	case market.CodePreconditionFailed:
		return http.StatusUnprocessableEntity, "precondition-failed"
	case market.CodeExternalFailure:
		return http.StatusBadGateway, "external-failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeProblem renders an engine error as application/problem+json.
func writeProblem(c *gin.Context, err error) {
	status, slug := statusFor(market.CodeOf(err))
	c.Header("Content-Type", "application/problem+json")
	c.JSON(status, Problem{
		Type:     "https://uniqx.io/problems/" + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: c.Request.URL.Path,
	})
}

// writeProblemStatus renders a problem outside the engine error taxonomy.
func writeProblemStatus(c *gin.Context, status int, slug, detail string) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(status, Problem{
		Type:     "https://uniqx.io/problems/" + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request.URL.Path,
	})
}

// writeBadRequest renders a request-decoding failure.
func writeBadRequest(c *gin.Context, detail string) {
	writeProblemStatus(c, http.StatusBadRequest, "invalid-request", detail)
}
