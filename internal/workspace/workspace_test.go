package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTaskDirAndCleanup(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "videoconverter"))
	if err := m.EnsureRoot(); err != nil {
		t.Fatal(err)
	}

	dir, err := m.TaskDir("t1")
	if err != nil {
		t.Fatalf("TaskDir failed: %v", err)
	}
	if filepath.Base(dir) != "t1" {
		t.Errorf("task dir = %q", dir)
	}

	// Populate the scratch layout the pipeline produces.
	if err := os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.ConvertedPath("t1"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.CleanupTask("t1"); err != nil {
		t.Fatalf("CleanupTask failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("task dir survived cleanup")
	}
	if _, err := os.Stat(m.ConvertedPath("t1")); !os.IsNotExist(err) {
		t.Error("converted file survived cleanup")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "videoconverter"))
	if err := m.EnsureRoot(); err != nil {
		t.Fatal(err)
	}

	if err := m.CleanupTask("never-existed"); err != nil {
		t.Errorf("cleanup of absent task should pass: %v", err)
	}
}

func TestConvertedPathIsOutsideTaskDir(t *testing.T) {
	m := NewManagerAt("/scratch/videoconverter")

	converted := m.ConvertedPath("t1")
	if filepath.Dir(converted) != "/scratch/videoconverter" {
		t.Errorf("converted path = %q, want sibling of the task dir", converted)
	}
	if filepath.Base(converted) != "t1_converted.mp4" {
		t.Errorf("converted name = %q", filepath.Base(converted))
	}
}
