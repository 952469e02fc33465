package aof

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fulldump/aofdb/resp"
)

// ReplayClient is the synthetic, non-blocking, reply-discarding client
// the Loader executes replayed commands against. The real
// command dispatch layer is an external collaborator; tests and
// cmd/aofdb-tool wire a concrete implementation on top of the dataset
// package.
type ReplayClient interface {
	Apply(db int, argv [][]byte) error
}

// SnapshotLoader decodes a binary snapshot segment. Real RDB-style
// decoding is an external collaborator; r is positioned right after
// the five magic bytes and, on return, must be positioned right after
// the snapshot's own end-of-payload marker so the Loader can continue
// reading any textual commands appended after it (the legacy combined
// base+incremental file case).
type SnapshotLoader interface {
	LoadSnapshot(r *bufio.Reader, client ReplayClient) error
}

// LoadOptions configures Loader behavior. TruncateOnEOF mirrors the
// aof-load-truncated toggle: without it, a mid-command EOF is fatal
// rather than tolerated.
type LoadOptions struct {
	TruncateOnEOF  bool
	SnapshotLoader SnapshotLoader
}

// Loader replays a manifest's Base and Incrementals (never History) in
// order into a ReplayClient.
type Loader struct {
	dir  string
	opts LoadOptions

	// OrphanedTail is set when a temp-<prefix>.incr file is found on
	// disk that the manifest does not reference. It is never replayed
	// automatically; callers may inspect it for crash forensics.
	orphanedTail string
}

func NewLoader(dir string, opts LoadOptions) *Loader {
	return &Loader{dir: dir, opts: opts}
}

// OrphanedTail returns the path of an unreferenced temp incremental
// found by DetectOrphanedTail, or "" if none was found (or
// DetectOrphanedTail was never called; Load does not look for one).
func (l *Loader) OrphanedTail() string {
	return l.orphanedTail
}

// Load replays m's Base then Incrementals into client. Truncated is a
// valid, non-error outcome but only when it applies to the very last
// segment; a truncated non-tail segment is reported as Failed.
func (l *Loader) Load(m *Manifest, client ReplayClient) (LoadStatus, error) {
	segments := make([]Segment, 0, 1+len(m.Incrementals))
	if m.Base != nil {
		segments = append(segments, *m.Base)
	}
	segments = append(segments, m.Incrementals...)

	if len(segments) == 0 {
		return LoadEmpty, nil
	}

	status := LoadOk
	for i, seg := range segments {
		isLast := i == len(segments)-1

		segStatus, err := l.loadSegment(seg, client)
		switch segStatus {
		case LoadNotExist:
			return LoadNotExist, fmt.Errorf("aof: segment %q referenced by manifest is missing: %w", seg.Name, err)
		case LoadOpenErr:
			return LoadOpenErr, fmt.Errorf("aof: cannot open segment %q: %w", seg.Name, err)
		case LoadFailed:
			return LoadFailed, err
		case LoadTruncated:
			if !isLast {
				return LoadFailed, fmt.Errorf("aof: segment %q is truncated but is not the last segment", seg.Name)
			}
			status = LoadTruncated
		case LoadEmpty:
			// an empty non-tail segment is unusual but not an error;
			// keep going.
		}
	}

	return status, nil
}

// DetectOrphanedTail scans dir for a temp-<prefix>.incr file not
// referenced by m, recording it for OrphanedTail(). Call before Load.
func (l *Loader) DetectOrphanedTail(prefix string, m *Manifest) {
	path := filepath.Join(l.dir, tempIncrName(prefix))
	if _, err := os.Stat(path); err != nil {
		return
	}
	for _, s := range m.Incrementals {
		if s.Name == filepath.Base(path) {
			return // referenced, not orphaned (shouldn't happen by construction)
		}
	}
	l.orphanedTail = path
}

func (l *Loader) loadSegment(seg Segment, client ReplayClient) (LoadStatus, error) {
	path := filepath.Join(l.dir, seg.Name)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadNotExist, err
		}
		return LoadOpenErr, err
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
		return LoadEmpty, nil
	}

	cr := &countingReader{r: f}
	br := bufio.NewReader(cr)

	peek, err := br.Peek(len(resp.Magic))
	if err == nil && bytes.Equal(peek, resp.Magic) {
		if l.opts.SnapshotLoader == nil {
			return LoadFailed, fmt.Errorf("aof: segment %q is a binary snapshot but no snapshot loader is configured", seg.Name)
		}
		if err := l.opts.SnapshotLoader.LoadSnapshot(br, client); err != nil {
			return LoadFailed, fmt.Errorf("aof: decode snapshot %q: %w", seg.Name, err)
		}
		if _, err := br.Peek(1); err == io.EOF {
			return LoadOk, nil
		}
	}

	return l.replayTextual(f, cr, br, client, seg.Name)
}

// countingReader tracks the number of bytes pulled from the underlying
// file so the logical stream offset (accounting for bufio's internal
// read-ahead) can be recovered as cr.n - br.Buffered().
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type queuedCommand struct {
	db   int
	argv [][]byte
}

func (l *Loader) replayTextual(f *os.File, cr *countingReader, br *bufio.Reader, client ReplayClient, segName string) (LoadStatus, error) {
	selectedDB := 0
	multiRewindOffset := int64(-1)
	inTransaction := false
	var pending []queuedCommand

	offset := func() int64 { return cr.n - int64(br.Buffered()) }

	for {
		startOffset := offset()

		argv, err := resp.ReadCommand(br)
		if err != nil {
			if err == io.EOF {
				if multiRewindOffset >= 0 {
					if terr := f.Truncate(multiRewindOffset); terr != nil {
						return LoadFailed, fmt.Errorf("aof: truncate %q at open MULTI boundary: %w", segName, terr)
					}
					return LoadTruncated, nil
				}
				return LoadOk, nil
			}

			if err == io.ErrUnexpectedEOF {
				if !l.opts.TruncateOnEOF {
					return LoadFailed, fmt.Errorf("aof: %q truncated mid-command at offset %d and aof-load-truncated is disabled", segName, startOffset)
				}
				truncateAt := startOffset
				if multiRewindOffset >= 0 {
					truncateAt = multiRewindOffset
				}
				if terr := f.Truncate(truncateAt); terr != nil {
					return LoadFailed, fmt.Errorf("aof: truncate %q at offset %d: %w", segName, truncateAt, terr)
				}
				return LoadTruncated, nil
			}

			return LoadFailed, fmt.Errorf("aof: malformed framing in %q at offset %d: %w", segName, startOffset, err)
		}

		if len(argv) == 0 {
			return LoadFailed, fmt.Errorf("aof: empty command in %q at offset %d", segName, startOffset)
		}

		switch strings.ToUpper(string(argv[0])) {
		case "SELECT":
			if len(argv) != 2 {
				return LoadFailed, fmt.Errorf("aof: malformed SELECT in %q at offset %d", segName, startOffset)
			}
			db, perr := strconv.Atoi(string(argv[1]))
			if perr != nil {
				return LoadFailed, fmt.Errorf("aof: malformed SELECT db in %q at offset %d: %w", segName, startOffset, perr)
			}
			selectedDB = db
			continue
		case "MULTI":
			multiRewindOffset = startOffset
			inTransaction = true
			pending = nil
			continue
		case "EXEC":
			for _, p := range pending {
				if err := client.Apply(p.db, p.argv); err != nil {
					return LoadFailed, fmt.Errorf("aof: %w: queued command in %q at offset %d: %v", ErrUnknownCommand, segName, startOffset, err)
				}
			}
			pending = nil
			inTransaction = false
			multiRewindOffset = -1
			continue
		}

		if inTransaction {
			// Commands between MULTI and EXEC are queued, mirroring how
			// the real client defers execution until EXEC; a
			// transaction that never reaches EXEC must leave no trace.
			pending = append(pending, queuedCommand{db: selectedDB, argv: argv})
			continue
		}

		if err := client.Apply(selectedDB, argv); err != nil {
			return LoadFailed, fmt.Errorf("aof: %w: %q in %q at offset %d: %v", ErrUnknownCommand, argv[0], segName, startOffset, err)
		}
	}
}

// UpgradeLegacyFile migrates a pre-manifest single-file AOF at
// legacyPath into dir as manifest-tracked seq=1 Base. If dir already
// has a manifest, it only finishes moving the legacy file into dir when
// that manifest names it as Base and the move has not happened yet;
// otherwise it does nothing. It is therefore safe to call again after a
// crash at any step: it resumes rather than redoing completed work.
func UpgradeLegacyFile(dir, prefix, legacyPath string) error {
	manifestPath := filepath.Join(dir, ManifestFileName(prefix))

	if _, err := os.Stat(manifestPath); err == nil {
		return resumeLegacyRename(dir, prefix, legacyPath, manifestPath)
	}

	if _, err := os.Stat(legacyPath); err != nil {
		return nil // nothing to migrate
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("aof: create dir for legacy upgrade: %w", err)
	}

	m := NewManifest()
	m.CurrBaseSeq = 1
	seg := Segment{Name: filepath.Base(legacyPath), Seq: 1, Kind: KindBase}
	m.Base = &seg
	m.Dirty = true

	if err := PersistManifest(dir, prefix, m); err != nil {
		return fmt.Errorf("aof: persist migrated manifest: %w", err)
	}

	target := filepath.Join(dir, seg.Name)
	if err := os.Rename(legacyPath, target); err != nil {
		return fmt.Errorf("aof: move legacy file into directory: %w", err)
	}

	return nil
}

// resumeLegacyRename handles the crash-between-persist-and-rename case:
// the manifest already names the legacy file as Base but the file has
// not yet been moved into dir.
func resumeLegacyRename(dir, prefix, legacyPath, manifestPath string) error {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("aof: load manifest to resume legacy upgrade: %w", err)
	}
	if m.Base == nil {
		return nil
	}
	target := filepath.Join(dir, m.Base.Name)
	if _, err := os.Stat(target); err == nil {
		return nil // already moved
	}
	if _, err := os.Stat(legacyPath); err != nil {
		return nil // nothing left to move
	}
	if err := os.Rename(legacyPath, target); err != nil {
		return fmt.Errorf("aof: resume moving legacy file into directory: %w", err)
	}
	return nil
}
