// Package api holds the JSON error envelope shared by every HTTP handler.
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// APIError is the body of every non-2xx JSON response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Respond writes the envelope without aborting the chain.
func Respond(ctx *gin.Context, status int, code, message string) {
	ctx.PureJSON(status, &APIError{Code: code, Message: message})
}

// AbortWithError records err on the context for the request logger, stops
// the handler chain and writes the envelope.
func AbortWithError(ctx *gin.Context, status int, code string, err error) {
	_ = ctx.Error(err)
	ctx.Abort()
	Respond(ctx, status, code, err.Error())
}
