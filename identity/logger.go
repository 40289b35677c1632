package identity

import (
	"fmt"
	"strings"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// badgerLogger routes badger's printf-style logs to a cmtlog.Logger
type badgerLogger struct {
	logger cmtlog.Logger
}

func newBadgerLogger(logger cmtlog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With("module", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(trim(format, args))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Info(trim(format, args), "level", "warn")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(trim(format, args))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(trim(format, args))
}

func trim(format string, args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
