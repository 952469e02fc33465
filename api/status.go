package api

import "context"

type StatusResponse struct {
	State                   string `json:"state"`
	DurableOffset           int64  `json:"durable_offset"`
	DelayedFsyncs           uint64 `json:"delayed_fsyncs"`
	BIOFsyncStatus          string `json:"bio_fsync_status"`
	RewriteRunning          bool   `json:"rewrite_running"`
	LastRewriteError        string `json:"last_rewrite_error,omitempty"`
	LastHistoryDeleteErrors int    `json:"last_history_delete_errors"`
	ConsecutiveFailures     int    `json:"consecutive_failures"`
	RewriteAllowed          bool   `json:"rewrite_allowed"`
}

func (a *Admin) status(ctx context.Context) (*StatusResponse, error) {

	resp := &StatusResponse{
		State:          a.Writer.State().String(),
		DurableOffset:  a.Writer.DurableOffset(),
		DelayedFsyncs:  a.Writer.DelayedFsyncs(),
		BIOFsyncStatus: "ok",
	}
	if err := a.Writer.BIOFsyncStatus(); err != nil {
		resp.BIOFsyncStatus = err.Error()
	}

	if a.Rewriter != nil {
		resp.RewriteRunning = a.Rewriter.Running()
		if err := a.Rewriter.LastStatus(); err != nil {
			resp.LastRewriteError = err.Error()
		}
		resp.LastHistoryDeleteErrors = a.Rewriter.LastHistoryDeleteErrors()
	}

	if a.RateLimiter != nil {
		resp.ConsecutiveFailures = a.RateLimiter.ConsecutiveFailures()
		resp.RewriteAllowed = a.RateLimiter.Allowed()
	} else {
		resp.RewriteAllowed = true
	}

	return resp, nil
}
