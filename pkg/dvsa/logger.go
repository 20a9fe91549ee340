package dvsa

import (
	"fmt"
	"strings"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// retryLogger routes go-retryablehttp's leveled output through Logger.
// Per-attempt chatter goes to debug; give-up messages stay at warn.
type retryLogger struct {
	log Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Errorf("%s%s", msg, formatKV(kv)) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debugf("%s%s", msg, formatKV(kv)) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debugf("%s%s", msg, formatKV(kv)) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warnf("%s%s", msg, formatKV(kv)) }

func formatKV(kv []interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, "%v", kv[i])
		}
	}
	return b.String()
}
