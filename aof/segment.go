package aof

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the role a segment plays in the manifest.
type Kind int

const (
	KindBase Kind = iota
	KindIncr
	KindHist
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "b"
	case KindIncr:
		return "i"
	case KindHist:
		return "h"
	default:
		return "?"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "b":
		return KindBase, nil
	case "i":
		return KindIncr, nil
	case "h":
		return KindHist, nil
	default:
		return 0, fmt.Errorf("unknown segment kind %q", s)
	}
}

// Segment is an immutable descriptor for one on-disk file. Name is a
// basename only, never a path.
type Segment struct {
	Name string
	Seq  uint64
	Kind Kind
}

// ValidName reports whether name is a bare filename: non-empty and
// free of path separators.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// BaseName builds the on-disk name for a base segment. binary selects
// the snapshot (.rdb) extension over the textual command (.aof) one.
func BaseName(prefix string, seq uint64, binary bool) string {
	ext := "aof"
	if binary {
		ext = "rdb"
	}
	return fmt.Sprintf("%s.%d.base.%s", prefix, seq, ext)
}

// IncrName builds the on-disk name for an incremental segment. Incrementals
// are always textual command framing.
func IncrName(prefix string, seq uint64) string {
	return fmt.Sprintf("%s.%d.incr.aof", prefix, seq)
}

// tempIncrName is the name used for a rewrite's foreground tail while the
// writer is in WaitRewrite state; it is never installed into the manifest
// under this name, only renamed to an IncrName on success.
func tempIncrName(prefix string) string {
	return fmt.Sprintf("temp-%s.incr", prefix)
}

// tempRewriteBaseName is the child-side output file for a background
// rewrite dump, named after the pid so concurrent restarts never collide.
func tempRewriteBaseName(pid int) string {
	return fmt.Sprintf("temp-rewriteaof-bg-%d.aof", pid)
}

// ParseSeqFromName extracts the seq token for diagnostics; it does not
// validate the whole name grammar (the manifest line, not the filename,
// carries seq/kind authoritatively).
func ParseSeqFromName(name string) (uint64, bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return 0, false
	}
	v, err := strconv.ParseUint(parts[len(parts)-3], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
