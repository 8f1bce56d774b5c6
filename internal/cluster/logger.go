package cluster

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// raftLogger adapts logger for Raft. Raft's lines pass through the slog
// handler at info level, filtered by the hclog level name. "off" or an
// unrecognised name discards them.
func raftLogger(logger *slog.Logger, level string) hclog.Logger {
	opts := &hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(level),
		Output: io.Discard,
	}
	if opts.Level == hclog.NoLevel || opts.Level == hclog.Off || logger == nil {
		opts.Level = hclog.Off
		return hclog.New(opts)
	}
	opts.Output = slog.NewLogLogger(logger.Handler(), slog.LevelInfo).Writer()
	return hclog.New(opts)
}
