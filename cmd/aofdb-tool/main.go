package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fulldump/box"
	"github.com/fulldump/goconfig"

	"github.com/fulldump/aofdb/aof"
	"github.com/fulldump/aofdb/api"
	"github.com/fulldump/aofdb/bio"
	"github.com/fulldump/aofdb/config"
	"github.com/fulldump/aofdb/dataset"
	"github.com/fulldump/aofdb/serializer"
)

var VERSION = "dev"

var banner = `
    _        __     _ _
   / \   ___/ _| __| | |__
  / _ \ / _ \ |_ / _' | '_ \
 / ___ \ (_) | _| (_| | |_) |
/_/   \_\___/|_|  \__,_|_.__/  version ` + VERSION + `
`

func main() {

	c := config.Default()
	goconfig.Read(&c)

	if len(os.Args) > 1 && os.Args[1] == "repair" {
		if err := repair(c); err != nil {
			log.Fatal(err)
		}
		return
	}

	if c.Version {
		fmt.Println("Version:", VERSION)
		return
	}
	if c.ShowConfig {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "    ")
		e.Encode(c)
		return
	}
	fmt.Println(banner)

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	legacyPath := filepath.Join(filepath.Dir(c.Dir), c.Prefix)
	if err := aof.UpgradeLegacyFile(c.Dir, c.Prefix, legacyPath); err != nil {
		log.Fatalf("legacy upgrade: %v", err)
	}

	manifestPath := filepath.Join(c.Dir, aof.ManifestFileName(c.Prefix))
	m, err := aof.LoadManifest(manifestPath)
	if os.IsNotExist(err) {
		m = aof.NewManifest()
	} else if err != nil {
		log.Fatalf("load manifest: %v", err)
	}

	ds := dataset.New()
	loader := aof.NewLoader(c.Dir, aof.LoadOptions{TruncateOnEOF: c.AofLoadTruncated})
	loader.DetectOrphanedTail(c.Prefix, m)
	status, err := loader.Load(m, ds)
	if err != nil {
		log.Fatalf("replay append-only log: %v", err)
	}
	log.Println("loaded append-only log, status:", status)
	if orphan := loader.OrphanedTail(); orphan != "" {
		log.Println("WARNING: found orphaned temp incremental from an interrupted rewrite:", orphan)
	}

	var writer *aof.Writer
	pool := bio.New(func(off int64, err error) { writer.OnFsyncComplete(off, err) })

	writer, err = aof.NewWriter(aof.Config{
		Dir:               c.Dir,
		Prefix:            c.Prefix,
		Policy:            c.Policy(),
		TimestampsEnabled: c.TimestampAnnotations,
		NoFsyncOnRewrite:  c.NoFsyncOnRewrite,
		BIO:               pool,
		Clock:             aof.SystemClock,
		Logger:            log.Default(),
	}, m)
	if err != nil {
		log.Fatalf("open writer: %v", err)
	}

	rl := aof.NewRewriteRateLimiter(aof.SystemClock)
	ser := serializer.New(serializer.Config{
		Dataset: ds,
		Clock:   aof.SystemClock,
		Progress: func(done, total int) {
			log.Printf("rewrite progress: %d/%d keys", done, total)
		},
	})
	rewriter := aof.NewRewriter(aof.RewriterConfig{
		Dir:         c.Dir,
		Prefix:      c.Prefix,
		Writer:      writer,
		Serializer:  ser,
		BIO:         pool,
		Clock:       aof.SystemClock,
		Logger:      log.Default(),
		RateLimiter: rl,
	})

	admin := &api.Admin{Writer: writer, Rewriter: rewriter, RateLimiter: rl, Prefix: c.Prefix}
	b := api.Build(admin)
	b.WithInterceptors(
		api.AccessLog(log.New(os.Stdout, "ACCESS: ", log.Lshortfile)),
		api.RecoverFromPanic,
		api.Compression,
		api.PrettyErrorInterceptor,
	)

	s := &http.Server{
		Addr:    c.HttpAddr,
		Handler: box.Box2Http(b),
	}

	ln, err := net.Listen("tcp", c.HttpAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Println("listening on", c.HttpAddr)

	stop := func() {
		writer.Close()
		s.Shutdown(context.Background())
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalChan
		log.Println("signal received:", sig.String())
		stop()
	}()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Println(err.Error())
		}
	}()
	wg.Wait()
}

// repair loads the manifest and replays the log without opening a
// Writer or serving traffic. Replay runs with truncated-tail tolerance
// on, so a segment cut mid-command, or ending inside an open MULTI, is
// truncated on disk whether or not --yes is given. --yes only gates
// removing a detected orphaned tail from an interrupted rewrite;
// without it that file is reported and left alone.
func repair(c config.Config) error {
	manifestPath := filepath.Join(c.Dir, aof.ManifestFileName(c.Prefix))
	m, err := aof.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("repair: load manifest: %w", err)
	}

	ds := dataset.New()
	loader := aof.NewLoader(c.Dir, aof.LoadOptions{TruncateOnEOF: true})
	loader.DetectOrphanedTail(c.Prefix, m)
	status, err := loader.Load(m, ds)
	if err != nil {
		return fmt.Errorf("repair: replay failed: %w", err)
	}

	fmt.Println("repair: replay status:", status)
	if orphan := loader.OrphanedTail(); orphan != "" {
		fmt.Println("repair: found orphaned temp incremental from an interrupted rewrite:", orphan)
		if !c.RepairYes {
			fmt.Println("repair: dry run, pass --yes to remove it")
		} else if err := os.Remove(orphan); err != nil {
			return fmt.Errorf("repair: remove orphaned tail: %w", err)
		} else {
			fmt.Println("repair: removed", orphan)
		}
	}
	for _, s := range m.Incrementals {
		if seq, ok := aof.ParseSeqFromName(s.Name); ok {
			fmt.Printf("repair: incremental %s (seq %d)\n", s.Name, seq)
		}
	}
	for _, db := range ds.DBs() {
		fmt.Printf("repair: db %d holds %d keys\n", db, ds.Len(db))
	}
	return nil
}
