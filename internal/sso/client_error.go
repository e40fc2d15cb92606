package sso

import (
	"errors"
	"fmt"
	"net/http"
)

// ClientError is a non-success response from the identity provider.
type ClientError struct {
	prefix       string
	ResponseBody string
	StatusCode   int
}

func (e *ClientError) Error() string {
	fullPrefix := ""
	if e.prefix != "" {
		fullPrefix = fmt.Sprintf("%s -> ", e.prefix)
	}
	return fmt.Sprintf("%sStatusCode: %d, Body: %s", fullPrefix, e.StatusCode, e.ResponseBody)
}

// retryable reports whether err may succeed on a later attempt: transport
// errors and server-side or auth failures while the server warms up.
func retryable(err error) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return true
	}
	return ce.StatusCode >= http.StatusInternalServerError || ce.StatusCode == http.StatusUnauthorized
}
