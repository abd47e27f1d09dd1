package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// channelKey is lifted into the text header so lines from one channel line up
const channelKey = "channel_id"

// TextFormatter writes one human-readable line per entry:
//
//	2024-01-02 15:04:05.000 [INFO] [req] multiplex/control#7: Channel opened | target=/echo
type TextFormatter struct {
	TimestampFormat  string
	DisableColors    bool
	DisableTimestamp bool
	// DisableSorting keeps fields in map order
	DisableSorting bool
}

// NewTextFormatter creates a text formatter with millisecond timestamps
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
}

// Format formats a log entry as text
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		buf.WriteByte(' ')
	}

	level := "[" + entry.Level.String() + "]"
	if !f.DisableColors {
		level = colorLevel(entry.Level, level)
	}
	buf.WriteString(level)
	buf.WriteByte(' ')

	if entry.RequestID != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.RequestID)
	}

	skip := map[string]bool{"request_id": true}
	if entry.Component != "" {
		skip["component"] = true
		buf.WriteString(entry.Component)
		if entry.Operation != "" {
			skip["operation"] = true
			buf.WriteByte('/')
			buf.WriteString(entry.Operation)
		}
		if id, ok := entry.Fields[channelKey]; ok {
			skip[channelKey] = true
			fmt.Fprintf(&buf, "#%v", id)
		}
		buf.WriteString(": ")
	}

	buf.WriteString(entry.Message)

	keys := slices.Collect(maps.Keys(entry.Fields))
	if !f.DisableSorting {
		slices.Sort(keys)
	}
	sep := " | "
	for _, k := range keys {
		if skip[k] {
			continue
		}
		buf.WriteString(sep)
		sep = " "
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(textValue(entry.Fields[k]))
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func textValue(v interface{}) string {
	switch val := v.(type) {
	case error:
		return val.Error()
	case string:
		if strings.ContainsAny(val, " \t\n") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case json.RawMessage:
		return string(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func colorLevel(level Level, text string) string {
	const reset = "\033[0m"

	var color string
	switch level {
	case DebugLevel:
		color = "\033[90m"
	case InfoLevel:
		color = "\033[34m"
	case WarnLevel:
		color = "\033[33m"
	case ErrorLevel, FatalLevel:
		color = "\033[31m"
	default:
		return text
	}
	return color + text + reset
}

// JSONFormatter writes one JSON object per entry
type JSONFormatter struct {
	PrettyPrint      bool
	TimestampFormat  string
	DisableTimestamp bool
}

// NewJSONFormatter creates a JSON formatter with RFC 3339 millisecond timestamps
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Format formats a log entry as JSON. Fields never shadow level, message or
// timestamp.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		data[k] = v
	}

	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	if !f.DisableTimestamp {
		data["timestamp"] = entry.Timestamp.Format(f.TimestampFormat)
	}

	var (
		out []byte
		err error
	)
	if f.PrettyPrint {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}
