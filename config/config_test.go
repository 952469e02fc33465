package config

import (
	"testing"

	"github.com/fulldump/biff"

	"github.com/fulldump/aofdb/aof"
)

func Test_Config_Policy_mapsNames(t *testing.T) {

	c := Default()

	c.FsyncPolicy = "always"
	biff.AssertEqual(c.Policy(), aof.FsyncAlways)

	c.FsyncPolicy = "never"
	biff.AssertEqual(c.Policy(), aof.FsyncNever)

	c.FsyncPolicy = "everysec"
	biff.AssertEqual(c.Policy(), aof.FsyncEverySec)

	c.FsyncPolicy = "bogus"
	biff.AssertEqual(c.Policy(), aof.FsyncEverySec)
}

func Test_Default_isPopulated(t *testing.T) {

	c := Default()
	if c.Dir == "" || c.Prefix == "" || c.HttpAddr == "" {
		t.Fatalf("expected Default() to populate Dir, Prefix and HttpAddr")
	}
	biff.AssertEqual(c.AofLoadTruncated, true)
}
