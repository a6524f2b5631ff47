package sandbox

import (
	"strings"
	"testing"
)

func TestCappedBufferStopsAtLimit(t *testing.T) {
	buf := newCappedBuffer(8)

	n, err := buf.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}

	n, err = buf.Write([]byte("world!"))
	if err != nil || n != 6 {
		t.Fatalf("second write must report full length to keep the stream draining: n=%d err=%v", n, err)
	}

	if got := buf.String(); got != "hellowor" {
		t.Fatalf("expected capped content %q, got %q", "hellowor", got)
	}
	if !buf.truncated {
		t.Fatal("expected truncated flag after overflow")
	}

	n, err = buf.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("post-cap write: n=%d err=%v", n, err)
	}
	if buf.buf.Len() != 8 {
		t.Fatalf("buffer grew past cap: %d", buf.buf.Len())
	}
}

func TestCappedBufferUnderLimit(t *testing.T) {
	buf := newCappedBuffer(64)
	if _, err := buf.Write([]byte("short output")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.truncated {
		t.Fatal("unexpected truncation")
	}
	if buf.String() != "short output" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestPythonProfileDefaults(t *testing.T) {
	p := PythonProfile("")
	if p.Image != DefaultImage {
		t.Fatalf("expected default image, got %q", p.Image)
	}
	if p.SourceFile != "main.py" {
		t.Fatalf("unexpected source file %q", p.SourceFile)
	}
	if len(p.RunCommand) == 0 || !strings.HasPrefix(p.RunCommand[0], "python") {
		t.Fatalf("unexpected run command %v", p.RunCommand)
	}

	custom := PythonProfile("python:3.12-alpine")
	if custom.Image != "python:3.12-alpine" {
		t.Fatalf("image override ignored: %q", custom.Image)
	}
}

func TestDefaultOptionsAreHardened(t *testing.T) {
	opts := DefaultOptions()
	if opts.PidsLimit <= 0 {
		t.Fatal("pids limit must be set")
	}
	if opts.CPUQuota <= 0 {
		t.Fatal("cpu quota must be set")
	}
	if opts.WorkdirSizeMb <= 0 || opts.TmpSizeMb <= 0 {
		t.Fatal("tmpfs sizes must be set")
	}
}
