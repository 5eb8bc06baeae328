// Package logging builds the line logger used for runner output:
// "[<ISO-8601 local time>] <message>", one line per write.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// TimeLayout is ISO-8601 with microseconds and no zone, as local time.
const TimeLayout = "2006-01-02T15:04:05.000000"

// stamp adds the event time already formatted, so the package-wide
// zerolog.TimeFieldFormat is left alone.
var stamp = zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Str(zerolog.TimestampFieldName, time.Now().Format(TimeLayout))
})

// New returns a logger that writes plain text lines to w. Each event is
// rendered into a buffer and handed to w in a single Write.
func New(w io.Writer) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:             w,
		NoColor:         true,
		PartsOrder:      []string{zerolog.TimestampFieldName, zerolog.MessageFieldName},
		FormatTimestamp: formatTimestamp,
	}
	return zerolog.New(cw).Hook(stamp)
}

func formatTimestamp(i interface{}) string {
	if s, ok := i.(string); ok {
		return "[" + s + "]"
	}
	return fmt.Sprintf("[%v]", i)
}
