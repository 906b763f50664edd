package idm

import (
	"context"
	"time"
)

// Verb is one IDM primitive.
type Verb int

const (
	VerbAcquire Verb = iota + 1
	VerbConvert
	VerbRelease
	VerbRenew
	VerbBreak
	VerbReadLVB
	VerbWriteLVB
	VerbHostCount
	VerbMode
	VerbVersion
)

var verbNames = map[Verb]string{
	VerbAcquire:   "acquire",
	VerbConvert:   "convert",
	VerbRelease:   "release",
	VerbRenew:     "renew",
	VerbBreak:     "break",
	VerbReadLVB:   "read_lvb",
	VerbWriteLVB:  "write_lvb",
	VerbHostCount: "host_count",
	VerbMode:      "mode",
	VerbVersion:   "version",
}

func (v Verb) String() string {
	if name, ok := verbNames[v]; ok {
		return name
	}
	return "unknown"
}

// Command is one IDM command addressed to one drive.
type Command struct {
	Verb    Verb
	Lock    LockID
	Host    HostID
	Mode    Mode
	Timeout time.Duration

	// LVB is written by WriteLVB, and by Release when HasLVB is set.
	LVB    LVB
	HasLVB bool
}

// Result is what a drive reports for one Command. Code is 0 on success or a
// negative errno-style status.
type Result struct {
	Code    int
	Mode    Mode
	Count   int
	Self    bool
	LVB     LVB
	Version uint32
}

// Codec encodes a Command for one drive, performs it, and decodes the reply.
// Execute blocks until the drive answers or ctx is done.
type Codec interface {
	Execute(ctx context.Context, drive string, cmd Command) Result
}

// AsyncCodec is a Codec that can also submit commands without blocking for
// drives that support native asynchronous submission.
type AsyncCodec interface {
	Codec

	// Native reports whether drive accepts asynchronous submission.
	Native(drive string) bool

	// SubmitAsync starts cmd and returns a channel that receives exactly one Result.
	SubmitAsync(ctx context.Context, drive string, cmd Command) <-chan Result
}
