package api

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/fulldump/apitest"
	"github.com/fulldump/biff"

	"github.com/fulldump/aofdb/aof"
)

func newTestAdmin(t *testing.T) *Admin {
	t.Helper()

	dir := t.TempDir()
	prefix := "dump"

	m := aof.NewManifest()
	m.NewIncrName(prefix)
	biff.AssertNil(aof.PersistManifest(dir, prefix, m))

	w, err := aof.NewWriter(aof.Config{Dir: dir, Prefix: prefix, Policy: aof.FsyncNever}, m)
	biff.AssertNil(err)

	rl := aof.NewRewriteRateLimiter(aof.NewManualClock(0))
	rw := aof.NewRewriter(aof.RewriterConfig{
		Dir:         dir,
		Prefix:      prefix,
		Writer:      w,
		Serializer:  noopSerializer{},
		Clock:       aof.NewManualClock(0),
		RateLimiter: rl,
	})

	return &Admin{Writer: w, Rewriter: rw, RateLimiter: rl, Prefix: prefix}
}

type noopSerializer struct{}

func (noopSerializer) Serialize(ctx context.Context, f *os.File) error {
	_, err := f.WriteString("*1\r\n$4\r\nPING\r\n")
	return err
}

func TestAcceptance(t *testing.T) {

	biff.Alternative("Setup", func(a *biff.A) {

		admin := newTestAdmin(t)
		b := Build(admin)
		b.WithInterceptors(PrettyErrorInterceptor)

		client := apitest.NewWithHandler(b)

		a.Alternative("Status reports the writer state", func(a *biff.A) {
			resp := client.Request(http.MethodGet, "/v1/status").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)
		})

		a.Alternative("Rewrite starts a background rewrite", func(a *biff.A) {
			resp := client.Request(http.MethodPost, "/v1/rewrite").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)

			admin.Rewriter.Wait()
		})

		a.Alternative("Waitaof returns immediately when already durable", func(a *biff.A) {
			resp := client.Request(http.MethodGet, "/v1/waitaof").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)
		})
	})
}
