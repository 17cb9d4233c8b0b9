package client

import (
	"errors"
	"strings"
	"testing"

	"github.com/zot/esm-hmr/internal/hot"
)

func TestFileLoc(t *testing.T) {
	tests := []struct {
		file      string
		line, col int
		want      string
	}{
		{"/a.js", 3, 7, "/a.js [:3:7]"},
		{"/a.js", 3, 0, "/a.js [:3]"},
		{"/a.js", 0, 0, "/a.js"},
		{"/a.js", 0, 4, "/a.js"},
	}
	for _, tt := range tests {
		if got := FileLoc(tt.file, tt.line, tt.col); got != tt.want {
			t.Errorf("FileLoc(%q, %d, %d) = %q, want %q", tt.file, tt.line, tt.col, got, tt.want)
		}
	}
}

func TestReport(t *testing.T) {
	ov := &fakeOverlay{}
	r := NewReporter(ov, nil)

	r.Report(RuntimeError{Filename: "/main.js", Line: 10, Column: 2, Message: "boom", Stack: "trace"})

	if len(ov.shown) != 1 {
		t.Fatalf("overlay shown %d times", len(ov.shown))
	}
	info := ov.shown[0]
	if info.Title != RuntimeErrorTitle || info.FileLoc != "/main.js [:10:2]" || info.ErrorMessage != "boom" || info.ErrorStackTrace != "trace" {
		t.Errorf("info = %+v", info)
	}
}

func TestReportErrorUsesImportLocation(t *testing.T) {
	ov := &fakeOverlay{}
	r := NewReporter(ov, nil)

	r.ReportError(&hot.ImportError{Kind: hot.EvaluationFailed, ID: "/b.js", Line: 5, Err: errors.New("attempt to call a nil value"), Stack: "stack"})

	info := ov.shown[0]
	if info.FileLoc != "/b.js [:5]" {
		t.Errorf("FileLoc = %q, want /b.js [:5]", info.FileLoc)
	}
	if info.ErrorMessage != "attempt to call a nil value" {
		t.Errorf("ErrorMessage = %q", info.ErrorMessage)
	}
}

func TestReportErrorNil(t *testing.T) {
	ov := &fakeOverlay{}
	NewReporter(ov, nil).ReportError(nil)
	if len(ov.shown) != 0 {
		t.Error("nil error should not be reported")
	}
}

func TestGuardReportsPanic(t *testing.T) {
	ov := &fakeOverlay{}
	r := NewReporter(ov, nil)

	r.Guard(func() { panic("host exploded") })

	if len(ov.shown) != 1 || ov.shown[0].ErrorMessage != "host exploded" {
		t.Fatalf("overlay = %+v", ov.shown)
	}
	if !strings.Contains(ov.shown[0].ErrorStackTrace, "goroutine") {
		t.Error("guarded panic should carry a stack")
	}
}
