// Package diag collects and prints the diagnostic stream described by the
// merger and parser: warnings about symbol-resolution choices and
// dependency changes, surfaced to the driver without aborting the run.
package diag

import (
	"fmt"
	"io"
)

// Level classifies a diagnostic message. Note and Warning are purely
// informational. Error and Fatal record a condition the caller chose not to
// abort on (by collecting rather than returning a Go error) but that a
// consumer of the stream should still be able to distinguish from routine
// progress notices. The parser, merger and driver in this module emit only
// Note and Warning messages.
type Level int

const (
	Note Level = iota
	Warning
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Note:
		return "note"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Message is one entry in the diagnostic stream.
type Message struct {
	Level Level
	Stage string // "parse", "merge", "driver"
	Text  string
}

// Collector accumulates messages in order and can replay them to a writer.
type Collector struct {
	messages []Message
}

func NewCollector() *Collector {
	return &Collector{}
}

// Notef, Warnf, Errorf, and Fatalf are all nil-receiver-safe: a nil
// *Collector silently discards every call, so callers that only sometimes
// want the stream (most tests) can pass nil instead of threading a
// throwaway collector through every signature.
func (c *Collector) Notef(stage, format string, args ...any) {
	c.add(Note, stage, format, args...)
}

func (c *Collector) Warnf(stage, format string, args ...any) {
	c.add(Warning, stage, format, args...)
}

func (c *Collector) Errorf(stage, format string, args ...any) {
	c.add(Error, stage, format, args...)
}

func (c *Collector) Fatalf(stage, format string, args ...any) {
	c.add(Fatal, stage, format, args...)
}

func (c *Collector) add(level Level, stage, format string, args ...any) {
	if c == nil {
		return
	}
	c.messages = append(c.messages, Message{
		Level: level,
		Stage: stage,
		Text:  fmt.Sprintf(format, args...),
	})
}

func (c *Collector) Messages() []Message {
	return c.messages
}

func (c *Collector) HasWarnings() bool {
	for _, m := range c.messages {
		if m.Level == Warning {
			return true
		}
	}
	return false
}

// Fprint writes every collected message to w, one per line, prefixed with
// its stage and level.
func (c *Collector) Fprint(w io.Writer) {
	for _, m := range c.messages {
		fmt.Fprintf(w, "%s: %s: %s\n", m.Stage, m.Level, m.Text)
	}
}
