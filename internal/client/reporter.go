package client

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/overlay"
	"github.com/zot/esm-hmr/internal/protocol"
)

// RuntimeErrorTitle is the overlay title for errors raised outside an update.
const RuntimeErrorTitle = "Unhandled Runtime Error"

// RuntimeError describes an uncaught error and where it was raised.
type RuntimeError struct {
	Filename string
	Line     int // 0 when unknown
	Column   int // 0 when unknown
	Message  string
	Stack    string
}

// FileLoc formats a source location as "filename [:line:col]". The column is
// dropped when it is unknown, and the bracketed part when the line is too.
func FileLoc(filename string, line, column int) string {
	if line <= 0 {
		return filename
	}
	loc := filename + " [:" + strconv.Itoa(line)
	if column > 0 {
		loc += ":" + strconv.Itoa(column)
	}
	return loc + "]"
}

// Reporter forwards uncaught errors to the overlay. It never recovers from
// them.
type Reporter struct {
	overlay overlay.Overlay
	logger  hot.Logger
}

// NewReporter creates a reporter. The logger may be nil.
func NewReporter(ov overlay.Overlay, logger hot.Logger) *Reporter {
	return &Reporter{overlay: ov, logger: logger}
}

// Report shows e in the overlay.
func (r *Reporter) Report(e RuntimeError) {
	if r.logger != nil {
		r.logger.Log(0, "%s: %s", RuntimeErrorTitle, e.Message)
	}
	r.overlay.Show(protocol.ErrorMessage{
		Title:           RuntimeErrorTitle,
		FileLoc:         FileLoc(e.Filename, e.Line, e.Column),
		ErrorMessage:    e.Message,
		ErrorStackTrace: e.Stack,
	})
}

// ReportError reports err, taking the location from an ImportError when err
// carries one.
func (r *Reporter) ReportError(err error) {
	if err == nil {
		return
	}
	e := RuntimeError{Message: err.Error()}
	var ie *hot.ImportError
	if errors.As(err, &ie) {
		e.Filename = ie.File
		if e.Filename == "" {
			e.Filename = ie.ID
		}
		e.Line = ie.Line
		e.Column = ie.Column
		e.Stack = ie.Stack
		if ie.Err != nil {
			e.Message = ie.Err.Error()
		}
	}
	r.Report(e)
}

// Guard runs fn and reports a panic instead of letting it escape.
func (r *Reporter) Guard(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.Report(RuntimeError{
				Filename: "<host>",
				Message:  fmt.Sprint(p),
				Stack:    string(debug.Stack()),
			})
		}
	}()
	fn()
}
