package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type ctxKey struct{}

type Logger struct {
	out     io.Writer
	err     io.Writer
	json    bool
	quiet   bool
	verbose bool
}

// DefaultLogger writes to the process's stdout and stderr.
// Color is disabled when stderr is not a terminal.
func DefaultLogger() *Logger {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		color.NoColor = true
	}
	return &Logger{
		out: os.Stdout,
		err: os.Stderr,
	}
}

// NewLogger builds a logger.
// json switches log lines to one JSON object per line.
// quiet drops Info lines; verbose enables Debug lines.
func NewLogger(out, err io.Writer, json, quiet, verbose bool) *Logger {
	return &Logger{
		out:     out,
		err:     err,
		json:    json,
		quiet:   quiet,
		verbose: verbose,
	}
}

// WithContext returns a context carrying the logger.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Ctx returns the logger stored in ctx, or a default logger when there is none.
func Ctx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return DefaultLogger()
}

// Out prints a line of program output, not a log line.
func (l *Logger) Out(f string, args ...interface{}) {
	fmt.Fprintf(l.out, f+"\n", args...)
}

func (l *Logger) OutRaw(s string) {
	fmt.Fprintf(l.out, "%s", s)
}

func (l *Logger) Info(tag string, f string, args ...interface{}) {
	if l.quiet {
		return
	}
	l.print("info", color.New(color.FgHiGreen), tag, f, args...)
}

func (l *Logger) Warn(tag string, f string, args ...interface{}) {
	l.print("warn", color.New(color.FgHiYellow), tag, f, args...)
}

func (l *Logger) Debug(tag string, f string, args ...interface{}) {
	if l.verbose {
		l.print("debug", color.New(color.FgGreen), tag, f, args...)
	}
}

type jsonLine struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Tag     string `json:"tag,omitempty"`
	Message string `json:"msg"`
}

func (l *Logger) print(level string, tagColor *color.Color, tag, f string, args ...interface{}) {
	str := fmt.Sprintf(f, args...)
	if l.json {
		enc := json.NewEncoder(l.err)
		enc.Encode(jsonLine{
			Time:    time.Now().UTC().Format(time.RFC3339Nano),
			Level:   level,
			Tag:     tag,
			Message: str,
		})
		return
	}
	for _, line := range strings.Split(str, "\n") {
		fmt.Fprintf(l.err, "%s  %s\n",
			tagColor.Sprint(tag),
			color.WhiteString(line))
	}
}

type Writer struct {
	pipe io.Writer
	tag  string
}

// InfoWriter returns a writer that prefixes every written line with tag.
func (l *Logger) InfoWriter(tag string) *Writer {
	return &Writer{
		pipe: l.err,
		tag:  tag,
	}
}

func (w *Writer) Write(data []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fmt.Fprintf(w.pipe, "%s  %s\n",
			color.HiYellowString(w.tag),
			color.HiWhiteString(line))
	}
	return len(data), nil
}
