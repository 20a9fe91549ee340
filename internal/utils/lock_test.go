package utils

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestScanLockRejectsSecondHolder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "motscan.sqlite")

	first, err := NewScanLock(dbPath)
	if err != nil {
		t.Fatalf("NewScanLock: %v", err)
	}
	if err := first.Lock(); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	second, err := NewScanLock(dbPath)
	if err != nil {
		t.Fatalf("NewScanLock: %v", err)
	}
	if err := second.Lock(); !errors.Is(err, ErrScanLocked) {
		t.Fatalf("expected ErrScanLocked, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := second.Lock(); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = second.Unlock()
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"abc":        "***",
		"abcdefgh12": "******gh12",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
