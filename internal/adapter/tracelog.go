package adapter

import (
	"os"

	"github.com/rs/zerolog"
)

// TraceLog appends one record per protocol message to a side file: inbound
// bodies under "=>", outbound encoded messages under "<=". It never blocks
// the protocol loop and a nil *TraceLog is a valid no-op.
type TraceLog struct {
	file   *os.File
	logger zerolog.Logger
}

// OpenTraceLog opens path in append mode for the lifetime of the session.
func OpenTraceLog(path string) (*TraceLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &TraceLog{
		file:   f,
		logger: zerolog.New(f).With().Timestamp().Logger(),
	}, nil
}

func (t *TraceLog) Inbound(body []byte) {
	if t == nil {
		return
	}
	t.logger.Log().Str("dir", "=>").RawJSON("msg", body).Send()
}

func (t *TraceLog) Outbound(body []byte) {
	if t == nil {
		return
	}
	t.logger.Log().Str("dir", "<=").RawJSON("msg", body).Send()
}

func (t *TraceLog) Close() error {
	if t == nil {
		return nil
	}
	return t.file.Close()
}
