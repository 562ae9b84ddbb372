package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// Logger emits one JSON object per line. Fields are caller-supplied;
// level and timestamp are filled in here. A nil *Logger is safe to use
// and logs nothing, so components can take it as an optional dependency.
type Logger struct {
	l *log.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo writes log lines to w. Used by tests to capture output.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		l: log.New(w, "", 0),
	}
}

func (lg *Logger) emit(level string, fields map[string]interface{}) {
	if lg == nil {
		return
	}
	fields["level"] = level
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, _ := json.Marshal(fields)
	lg.l.Println(string(b))
}

func (lg *Logger) Info(fields map[string]interface{})  { lg.emit("info", fields) }
func (lg *Logger) Warn(fields map[string]interface{})  { lg.emit("warn", fields) }
func (lg *Logger) Error(fields map[string]interface{}) { lg.emit("error", fields) }
