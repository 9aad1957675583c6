package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/forgeflow/internal/common/apperr"
)

// errorResponse is the body shape for every non-2xx response, keyed on the
// apperr.Kind so clients can branch without parsing messages.
type errorResponse struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// writeError classifies err through apperr and writes the matching status.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.JSON(apperr.HTTPStatus(kind), errorResponse{Kind: kind, Message: err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(apperr.HTTPStatus(apperr.Validation), errorResponse{Kind: apperr.Validation, Message: message})
}
