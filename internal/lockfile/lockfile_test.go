package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "lockfile_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	h := ReadHolder(filepath.Join(tempDir, LockFileName))
	if h.PID != os.Getpid() {
		t.Errorf("Expected PID %d in lock file, got %d", os.Getpid(), h.PID)
	}
	if !h.Running {
		t.Error("Expected holder to be reported running")
	}
	if h.Started.IsZero() {
		t.Error("Expected start time in lock file")
	}
}

func TestLockConflict(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "lockfile_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	lock1, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(tempDir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("Expected holder PID %d, got %d", os.Getpid(), lockErr.Holder.PID)
	}
	if !strings.Contains(err.Error(), tempDir) {
		t.Errorf("Error message should contain the lock path: %s", err)
	}

	// The failed attempt must not clobber the holder's details.
	if h := ReadHolder(filepath.Join(tempDir, LockFileName)); h.PID != os.Getpid() {
		t.Errorf("Expected lock file to keep PID %d, got %d", os.Getpid(), h.PID)
	}
}

func TestLockRelease(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "lockfile_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lockPath := filepath.Join(tempDir, LockFileName)

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		pid     int
		started time.Time
	}{
		{"pid and start", "pid=12345\nstarted=2024-05-20T09:00:00Z\n", 12345, started},
		{"pid only", "pid=67890\n", 67890, time.Time{}},
		{"unknown keys", "host=a\npid=42", 42, time.Time{}},
		{"empty", "", 0, time.Time{}},
		{"invalid pid", "pid=abc", 0, time.Time{}},
		{"negative pid", "pid=-3", 0, time.Time{}},
		{"no equals", "pid12345", 0, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(tt.content)
			if h.PID != tt.pid || !h.Started.Equal(tt.started) {
				t.Errorf("parseHolder(%q) = %d/%v, want %d/%v", tt.content, h.PID, h.Started, tt.pid, tt.started)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("Expected unknown process, got %q", got)
	}
	if got := (Holder{PID: 7}).String(); got != "PID 7 (not running, stale lock)" {
		t.Errorf("Unexpected holder string %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
