package aof

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const maxManifestLineBytes = 1024

// ManifestFileName returns "<prefix>.manifest".
func ManifestFileName(prefix string) string {
	return prefix + ".manifest"
}

// tempManifestFileName returns "temp-<prefix>.manifest".
func tempManifestFileName(prefix string) string {
	return "temp-" + prefix + ".manifest"
}

// quoteName renders a filename as a manifest token, quoting it when it
// contains whitespace or characters that would otherwise break the
// whitespace-delimited line grammar.
func quoteName(name string) string {
	if !needsQuoting(name) {
		return name
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range name {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(name string) bool {
	return strings.ContainsAny(name, " \t\"#")
}

// unquoteName reverses quoteName. If tok is not quoted it is returned
// unchanged.
func unquoteName(tok string) (string, error) {
	if len(tok) < 2 || tok[0] != '"' {
		return tok, nil
	}
	if tok[len(tok)-1] != '"' {
		return "", fmt.Errorf("unterminated quoted filename %q", tok)
	}
	inner := tok[1 : len(tok)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// encodeLine renders one segment as "file <name> seq <seq> type <kind>".
func encodeLine(s Segment) string {
	return fmt.Sprintf("file %s seq %d type %s", quoteName(s.Name), s.Seq, s.Kind.String())
}

// decodeLine parses one manifest line into a segment. It requires at
// least six whitespace-delimited tokens (forward-compatible: trailing
// tokens are ignored).
func decodeLine(line string) (Segment, error) {
	fields := splitQuotedFields(line)
	if len(fields) < 6 {
		return Segment{}, fmt.Errorf("manifest line has %d tokens, want >= 6: %q", len(fields), line)
	}
	if fields[0] != "file" || fields[2] != "seq" || fields[4] != "type" {
		return Segment{}, fmt.Errorf("manifest line missing required keys: %q", line)
	}

	name, err := unquoteName(fields[1])
	if err != nil {
		return Segment{}, err
	}
	if !ValidName(name) {
		return Segment{}, fmt.Errorf("%w: %q", ErrInvalidSegmentName, name)
	}

	seq, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("bad seq %q: %w", fields[3], err)
	}

	kind, err := ParseKind(fields[5])
	if err != nil {
		return Segment{}, err
	}

	return Segment{Name: name, Seq: seq, Kind: kind}, nil
}

// splitQuotedFields splits on whitespace but keeps a double-quoted
// substring (with backslash escapes) as a single field.
func splitQuotedFields(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(line):
			cur.WriteByte(c)
			i++
			cur.WriteByte(line[i])
		case c == '"':
			cur.WriteByte(c)
			inQuotes = !inQuotes
		case (c == ' ' || c == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return fields
}

// LoadManifest reads and strictly parses a manifest file. Any malformed
// line aborts with an error; this is a Fatal-on-startup condition for
// callers.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := NewManifest()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) > maxManifestLineBytes {
			return nil, fmt.Errorf("manifest line %d exceeds %d bytes", lineNo, maxManifestLineBytes)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		seg, err := decodeLine(trimmed)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}

		switch seg.Kind {
		case KindBase:
			if m.Base != nil {
				return nil, fmt.Errorf("manifest line %d: %w", lineNo, ErrMultipleBase)
			}
			s := seg
			m.Base = &s
			if seg.Seq > m.CurrBaseSeq {
				m.CurrBaseSeq = seg.Seq
			}
		case KindHist:
			m.History = append(m.History, seg)
		case KindIncr:
			if len(m.Incrementals) > 0 {
				last := m.Incrementals[len(m.Incrementals)-1]
				if seg.Seq == last.Seq {
					return nil, fmt.Errorf("manifest line %d: %w: seq %d", lineNo, ErrDuplicateIncrSeq, seg.Seq)
				}
				if seg.Seq < last.Seq {
					return nil, fmt.Errorf("manifest line %d: %w", lineNo, ErrNonMonotonicIncr)
				}
			}
			m.Incrementals = append(m.Incrementals, seg)
			if seg.Seq > m.CurrIncrSeq {
				m.CurrIncrSeq = seg.Seq
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// PersistManifest writes m to <dir>/<prefix>.manifest via a temp file in
// the same directory, fsync of the file, rename over the target and
// fsync of the directory. A failure at any step returns an error without
// mutating anything the caller already holds; rename-over provides the
// atomic replace.
func PersistManifest(dir, prefix string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	target := filepath.Join(dir, ManifestFileName(prefix))
	tempPath := filepath.Join(dir, tempManifestFileName(prefix))

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}

	w := bufio.NewWriter(f)
	if m.Base != nil {
		if _, err := fmt.Fprintln(w, encodeLine(*m.Base)); err != nil {
			f.Close()
			return err
		}
	}
	for _, s := range m.History {
		if _, err := fmt.Fprintln(w, encodeLine(s)); err != nil {
			f.Close()
			return err
		}
	}
	for _, s := range m.Incrementals {
		if _, err := fmt.Fprintln(w, encodeLine(s)); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush temp manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("rename manifest into place: %w", err)
	}

	dirFd, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for fsync: %w", err)
	}
	defer dirFd.Close()
	if err := dirFd.Sync(); err != nil {
		return fmt.Errorf("fsync dir: %w", err)
	}

	m.Dirty = false
	return nil
}
