package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fulldump/box"

	"github.com/fulldump/aofdb/aof"
)

type PrettyError struct {
	Message     string `json:"message"`
	Description string `json:"description"`
}

func (p PrettyError) Error() string {
	return p.Message
}

func (p PrettyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"error": struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		}{
			p.Message,
			p.Description,
		},
	})
}

func (p PrettyError) MarshalTo(w io.Writer) error {
	return json.NewEncoder(w).Encode(p)
}

// InterceptorClosed rejects requests once the Writer has been closed
// with a "temporarily unavailable" error instead of letting them reach
// a handler that assumes an open writer.
func InterceptorClosed(w *aof.Writer) box.I {
	return func(next box.H) box.H {
		return func(ctx context.Context) {
			if w.State() == aof.StateOff {
				box.SetError(ctx, fmt.Errorf("temporarily unavailable: writer closed"))
				return
			}
			next(ctx)
		}
	}
}

func PrettyErrorInterceptor(next box.H) box.H {
	return func(ctx context.Context) {

		next(ctx)

		err := box.GetError(ctx)
		if err == nil {
			return
		}
		w := box.GetResponse(ctx)

		if errors.Is(err, aof.ErrRewriteInProgress) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(PrettyError{Message: err.Error(), Description: "a rewrite is already running"})
			return
		}

		if errors.Is(err, aof.ErrRewriteRateLimited) {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(PrettyError{Message: err.Error(), Description: "automatic rewrite backoff is in effect, retry later or pass force=true"})
			return
		}

		if err == box.ErrResourceNotFound {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(PrettyError{Message: err.Error(), Description: fmt.Sprintf("resource '%s' not found", box.GetRequest(ctx).URL.String())})
			return
		}

		if err == box.ErrMethodNotAllowed {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(PrettyError{Message: err.Error(), Description: fmt.Sprintf("method '%s' not allowed", box.GetRequest(ctx).Method)})
			return
		}

		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(PrettyError{Message: err.Error(), Description: "unexpected error"})
	}
}
