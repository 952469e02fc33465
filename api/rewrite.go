package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type RewriteRequest struct {
	Force bool `json:"force"`
}

type RewriteResponse struct {
	Started bool `json:"started"`
}

// rewrite triggers a background rewrite. Force bypasses the automatic
// rate limiter the same way a manually issued rewrite always does.
func (a *Admin) rewrite(ctx context.Context, r *http.Request) (*RewriteResponse, error) {

	if a.Rewriter == nil {
		return nil, fmt.Errorf("rewrite: no rewriter configured")
	}

	req := &RewriteRequest{}
	if r.ContentLength != 0 {
		json.NewDecoder(r.Body).Decode(req) // a malformed or empty body just leaves Force at its default
	}

	if err := a.Rewriter.Start(req.Force); err != nil {
		return nil, err
	}

	return &RewriteResponse{Started: true}, nil
}
