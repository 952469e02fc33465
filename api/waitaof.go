package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type WaitaofResponse struct {
	DurableOffset int64 `json:"durable_offset"`
	Reached       bool  `json:"reached"`
}

// waitaof blocks until the Writer's durable offset reaches the
// requested target, or the request's own deadline/context is
// cancelled, whichever comes first — the same bounded-wait shape
// WAITAOF gives a client instead of an unbounded blocking call.
func (a *Admin) waitaof(ctx context.Context, r *http.Request) (*WaitaofResponse, error) {

	targetStr := r.URL.Query().Get("offset")
	target := a.Writer.DurableOffset()
	if targetStr != "" {
		v, err := strconv.ParseInt(targetStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("waitaof: bad offset parameter %q: %w", targetStr, err)
		}
		target = v
	}

	const pollInterval = 5 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if off := a.Writer.DurableOffset(); off >= target {
			return &WaitaofResponse{DurableOffset: off, Reached: true}, nil
		}
		select {
		case <-ctx.Done():
			return &WaitaofResponse{DurableOffset: a.Writer.DurableOffset(), Reached: false}, nil
		case <-ticker.C:
		}
	}
}
