package log

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	for _, debug := range []bool{true, false} {
		l, err := New(debug, "")
		if err != nil || l == nil {
			t.Fatalf("New(%v) failed: %v", debug, err)
		}
	}

	tmpDir, _ := os.MkdirTemp("", "log-test")
	defer os.RemoveAll(tmpDir)
	path := filepath.Join(tmpDir, "sharif.log")
	l, err := New(false, path)
	if err != nil {
		t.Fatalf("New with file failed: %v", err)
	}
	l.Infow("hello", "k", "v")
	_ = l.Sync()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":          "***",
		"ab":        "***",
		"student42": "st***",
		"رمزعبور":   "رم***",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
