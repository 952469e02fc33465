package serializer

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulldump/biff"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fulldump/aofdb/aof"
	"github.com/fulldump/aofdb/dataset"
	"github.com/fulldump/aofdb/resp"
)

// replayFile reads every framed command out of f (skipping the leading
// timestamp annotation) and applies it to a fresh Dataset, returning it.
func replayFile(t *testing.T, path string) *dataset.Dataset {
	t.Helper()

	f, err := os.Open(path)
	biff.AssertNil(err)
	defer f.Close()

	br := bufio.NewReader(f)
	d := dataset.New()
	db := 0
	for {
		argv, err := resp.ReadCommand(br)
		if err == io.EOF {
			break
		}
		biff.AssertNil(err)
		if len(argv) == 0 {
			continue
		}
		if string(argv[0]) == "SELECT" {
			db = int(argv[1][0] - '0')
			continue
		}
		biff.AssertNil(d.Apply(db, argv))
	}
	return d
}

func gjsonGetInt(payload []byte, path string) int64 {
	return gjson.GetBytes(payload, path).Int()
}

func Test_Serializer_StringRoundTrips(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	d.Set(0, "greeting", dataset.NewString("hello"))

	s := New(Config{Dataset: d, Clock: aof.NewManualClock(1000)})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	got := replayFile(t, path)
	v, ok := got.Get(0, "greeting")
	biff.AssertEqual(ok, true)
	biff.AssertEqual(v.Str, "hello")
}

func Test_Serializer_ListBatchesAtN(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	items := make([]string, 200)
	for i := range items {
		items[i] = "item"
	}
	d.Set(0, "l", dataset.NewList(items...))

	s := New(Config{Dataset: d})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	got := replayFile(t, path)
	v, ok := got.Get(0, "l")
	biff.AssertEqual(ok, true)
	biff.AssertEqual(len(v.List), 200)
}

func Test_Serializer_HashWithFieldExpiration(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	d.Apply(0, [][]byte{[]byte("HMSET"), []byte("h"), []byte("f1"), []byte("v1"), []byte("f2"), []byte("v2")})
	d.Apply(0, [][]byte{[]byte("HPEXPIREAT"), []byte("h"), []byte("1700000000000"), []byte("FIELDS"), []byte("1"), []byte("f1")})

	s := New(Config{Dataset: d})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	got := replayFile(t, path)
	v, ok := got.Get(0, "h")
	biff.AssertEqual(ok, true)
	biff.AssertEqual(v.Hash["f1"].Value, "v1")
	biff.AssertEqual(v.Hash["f1"].ExpireAtMs, int64(1700000000000))
	biff.AssertEqual(v.Hash["f2"].ExpireAtMs, int64(0))
}

func Test_Serializer_StreamWithGroupAndPending(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	biff.AssertNil(d.Apply(0, [][]byte{[]byte("XADD"), []byte("s"), []byte("1-1"), []byte("f"), []byte("v")}))
	biff.AssertNil(d.Apply(0, [][]byte{[]byte("XGROUP"), []byte("CREATE"), []byte("s"), []byte("g1"), []byte("0-0")}))
	biff.AssertNil(d.Apply(0, [][]byte{[]byte("XCLAIM"), []byte("s"), []byte("g1"), []byte("c1"), []byte("0"), []byte("1-1"), []byte("TIME"), []byte("500"), []byte("RETRYCOUNT"), []byte("1"), []byte("JUSTID"), []byte("FORCE")}))

	s := New(Config{Dataset: d})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	got := replayFile(t, path)
	v, ok := got.Get(0, "s")
	biff.AssertEqual(ok, true)
	biff.AssertEqual(v.Stream.Len(), 1)
	g, ok := v.Stream.Group("g1")
	biff.AssertEqual(ok, true)
	pe, ok := g.Pending[dataset.StreamID{Ms: 1, Seq: 1}]
	biff.AssertEqual(ok, true)
	biff.AssertEqual(pe.Consumer, "c1")
	biff.AssertEqual(pe.DeliveryTimeMs, int64(500))
}

func Test_Serializer_MultipleDBsEmitSelect(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	d.Set(0, "a", dataset.NewString("1"))
	d.Set(2, "b", dataset.NewString("2"))

	s := New(Config{Dataset: d})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	got := replayFile(t, path)
	_, ok := got.Get(0, "a")
	biff.AssertEqual(ok, true)
	_, ok = got.Get(2, "b")
	biff.AssertEqual(ok, true)
}

func Test_Serializer_ProgressReportedAtEnd(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	d.Set(0, "a", dataset.NewString("1"))

	var lastDone, lastTotal int
	calls := 0
	s := New(Config{Dataset: d, Progress: func(done, total int) {
		calls++
		lastDone, lastTotal = done, total
	}})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	if calls == 0 {
		t.Fatalf("expected at least the final progress callback")
	}
	biff.AssertEqual(lastDone, 1)
	biff.AssertEqual(lastTotal, 1)
}

func Test_Serializer_ExtensionType_delegatesToRegisteredEncoder(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	payload, err := sjson.SetBytes([]byte(`{}`), "value", 42)
	biff.AssertNil(err)
	d.Set(0, "ext", dataset.NewExtension("counter", payload))

	var sawKey string
	var sawValue int64
	s := New(Config{
		Dataset: d,
		Extensions: map[string]ExtensionEncoder{
			"counter": func(key string, ext *dataset.ExtensionValue, emit func([][]byte) error) error {
				sawKey = key
				v := gjsonGetInt(ext.Payload, "value")
				sawValue = v
				return emit([][]byte{[]byte("SET"), []byte(key), []byte("42")})
			},
		},
	})

	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)
	biff.AssertNil(s.Serialize(context.Background(), f))
	biff.AssertNil(f.Close())

	biff.AssertEqual(sawKey, "ext")
	biff.AssertEqual(sawValue, int64(42))
}

func Test_Serializer_ExtensionType_missingEncoderFails(t *testing.T) {

	dir := t.TempDir()
	d := dataset.New()
	d.Set(0, "ext", dataset.NewExtension("unregistered", []byte(`{}`)))

	s := New(Config{Dataset: d})
	path := filepath.Join(dir, "out.aof")
	f, err := os.Create(path)
	biff.AssertNil(err)

	err = s.Serialize(context.Background(), f)
	if err == nil {
		t.Fatalf("expected an error for an unregistered extension type")
	}
	f.Close()
}
