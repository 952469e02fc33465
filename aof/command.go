package aof

import "github.com/google/uuid"

// Command is the internal representation of one propagated write,
// built before RESP framing: a UUID plus a wall-clock timestamp
// alongside the argument vector itself.
type Command struct {
	Uuid      string
	Timestamp int64 // unix nanoseconds; not framed as an argument, but its epoch second drives the #TS annotation when enabled
	DB        int
	Argv      [][]byte
}

// NewCommand stamps argv with a fresh uuid, ready to be fed to a Writer.
func NewCommand(db int, argv [][]byte, nowUnixNano int64) *Command {
	return &Command{
		Uuid:      uuid.NewString(),
		Timestamp: nowUnixNano,
		DB:        db,
		Argv:      argv,
	}
}
