// Package config is the process configuration: a flat struct with
// `usage` tags fed to goconfig.Read.
package config

import (
	"github.com/fulldump/aofdb/aof"
)

type Config struct {
	HttpAddr string `usage:"admin HTTP address"`
	Dir      string `usage:"append-only log directory"`
	Prefix   string `usage:"segment filename prefix"`

	FsyncPolicy string `usage:"fsync policy: never | everysec | always"`

	AofLoadTruncated     bool `usage:"tolerate a truncated tail segment at load time"`
	NoFsyncOnRewrite     bool `usage:"skip fsyncs under every policy, Always included, while a background rewrite is running"`
	TimestampAnnotations bool `usage:"emit #TS: timestamp annotations into the incremental log as commands are written"`

	RepairYes bool `usage:"repair: actually remove the orphaned tail instead of a dry run"`

	Version    bool `usage:"show version and exit"`
	ShowConfig bool `usage:"print effective config and exit"`
}

func Default() Config {
	return Config{
		HttpAddr:             ":8091",
		Dir:                  "./aofdata",
		Prefix:               "appendonly.aof",
		FsyncPolicy:          "everysec",
		AofLoadTruncated:     true,
		NoFsyncOnRewrite:     false,
		TimestampAnnotations: true,
	}
}

func (c Config) Policy() aof.FsyncPolicy {
	switch c.FsyncPolicy {
	case "always":
		return aof.FsyncAlways
	case "never":
		return aof.FsyncNever
	default:
		return aof.FsyncEverySec
	}
}
