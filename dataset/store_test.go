package dataset

import (
	"testing"

	"github.com/fulldump/biff"
)

func Test_Dataset_SetGetDelete(t *testing.T) {

	d := New()
	d.Set(0, "k", NewString("v"))

	v, ok := d.Get(0, "k")
	biff.AssertEqual(ok, true)
	biff.AssertEqual(v.Str, "v")

	biff.AssertEqual(d.Delete(0, "k"), true)
	_, ok = d.Get(0, "k")
	biff.AssertEqual(ok, false)
}

func Test_Dataset_ExpireAt_clearedOnDelete(t *testing.T) {

	d := New()
	d.Set(0, "k", NewString("v"))
	d.ExpireAt(0, "k", 1000)

	ms, ok := d.ExpiresAt(0, "k")
	biff.AssertEqual(ok, true)
	biff.AssertEqual(ms, int64(1000))

	d.Delete(0, "k")
	_, ok = d.ExpiresAt(0, "k")
	biff.AssertEqual(ok, false)
}

func Test_Dataset_ExpireAt_ignoredForMissingKey(t *testing.T) {

	d := New()
	d.ExpireAt(0, "missing", 1000)

	_, ok := d.ExpiresAt(0, "missing")
	biff.AssertEqual(ok, false)
}

func Test_Dataset_DBs_onlyReportsNonEmpty(t *testing.T) {

	d := New()
	d.Set(0, "k", NewString("v"))
	d.Set(3, "k2", NewString("v2"))
	d.Set(5, "k3", NewString("v3"))
	d.Delete(5, "k3")

	dbs := d.DBs()
	biff.AssertEqual(len(dbs), 2)
	biff.AssertEqual(dbs[0], 0)
	biff.AssertEqual(dbs[1], 3)
}

func Test_Dataset_SortedKeys_isStable(t *testing.T) {

	d := New()
	d.Set(0, "banana", NewString("1"))
	d.Set(0, "apple", NewString("2"))
	d.Set(0, "cherry", NewString("3"))

	keys := d.SortedKeys(0)
	biff.AssertEqual(len(keys), 3)
	biff.AssertEqual(keys[0], "apple")
	biff.AssertEqual(keys[1], "banana")
	biff.AssertEqual(keys[2], "cherry")
}
