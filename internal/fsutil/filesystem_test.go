package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fs := OSFileSystem{}

	if !fs.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}

	if fs.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_ReadFile(t *testing.T) {
	fs := OSFileSystem{}

	data, err := fs.ReadFile("filesystem.go")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if len(data) == 0 {
		t.Error("expected non-empty file content")
	}
}

func TestOSFileSystem_TempFileOperations(t *testing.T) {
	osfs := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "pwmchip0", "pwm0")

	if err := osfs.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	path := filepath.Join(dir, "period")
	if err := osfs.WriteFile(path, []byte("40000"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	info, err := osfs.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 5 {
		t.Errorf("expected size 5, got %d", info.Size())
	}

	data, err := osfs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "40000" {
		t.Errorf("expected %q, got %q", "40000", data)
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	err := mfs.WriteFile("/test.txt", testData, 0644)
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := mfs.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}
}

func TestMemoryFileSystem_WriteNeedsParent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	err := mfs.WriteFile("/sys/class/pwm/pwmchip0/export", []byte("0"), 0o644)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	if err := mfs.MkdirAll("/sys/class/pwm/pwmchip0", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := mfs.WriteFile("/sys/class/pwm/pwmchip0/export", []byte("0"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestMemoryFileSystem_Stat(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.WriteFile("/stat.txt", []byte("12345"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	info, err := mfs.Stat("/stat.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Name() != "stat.txt" {
		t.Errorf("expected name stat.txt, got %s", info.Name())
	}
	if info.Size() != 5 {
		t.Errorf("expected size 5, got %d", info.Size())
	}
	if info.Mode() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode())
	}
	if info.IsDir() {
		t.Error("expected file, got directory")
	}
	if !info.ModTime().IsZero() {
		t.Error("expected zero mod time")
	}
	if info.Sys() != nil {
		t.Error("expected nil Sys")
	}
}

func TestMemoryFileSystem_StatDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.MkdirAll("/a/b", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	info, err := mfs.Stat("/a/b")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
	if info.Mode()&fs.ModeDir == 0 {
		t.Error("expected ModeDir bit")
	}
}

func TestMemoryFileSystem_StatNonExistent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.Stat("/missing")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_MkdirAll(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if err := mfs.MkdirAll("/a/b/c", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	for _, dir := range []string{"/a", "/a/b", "/a/b/c"} {
		if !mfs.Exists(dir) {
			t.Errorf("expected %s to exist", dir)
		}
	}
}

func TestMemoryFileSystem_Exists(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if mfs.Exists("/nope") {
		t.Error("expected /nope to not exist")
	}
	if err := mfs.WriteFile("/yes", nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if !mfs.Exists("/yes") {
		t.Error("expected /yes to exist")
	}
}

func TestMemoryFileSystem_PathCleaning(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.MkdirAll("/dir", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := mfs.WriteFile("/dir/../dir/./file", []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := mfs.ReadFile("/dir/file"); err != nil {
		t.Errorf("expected cleaned path to resolve: %v", err)
	}
}

func TestMemoryFileSystem_DataIsolation(t *testing.T) {
	mfs := NewMemoryFileSystem()

	original := []byte("original")
	if err := mfs.WriteFile("/iso", original, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	original[0] = 'X'

	data, _ := mfs.ReadFile("/iso")
	if string(data) != "original" {
		t.Errorf("write did not copy input: got %q", data)
	}

	data[0] = 'Y'
	again, _ := mfs.ReadFile("/iso")
	if string(again) != "original" {
		t.Errorf("read did not copy output: got %q", again)
	}
}

func TestMemoryFileSystem_OnWrite(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.MkdirAll("/chip", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	var seen []string
	mfs.OnWrite(func(name string, data []byte) {
		seen = append(seen, name+"="+string(data))
		if name == "/chip/export" {
			_ = mfs.MkdirAll("/chip/pwm0", 0o755)
		}
	})

	if err := mfs.WriteFile("/chip/export", []byte("0"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if !mfs.Exists("/chip/pwm0") {
		t.Error("expected hook to create /chip/pwm0")
	}
	if len(seen) != 1 || seen[0] != "/chip/export=0" {
		t.Errorf("unexpected hook calls: %v", seen)
	}

	if err := mfs.WriteFile("/missing/file", nil, 0o644); err == nil {
		t.Error("expected error for missing parent")
	}
	if len(seen) != 1 {
		t.Errorf("hook ran for a failed write: %v", seen)
	}
}

func TestMemoryFileSystem_ReadNonExistent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.ReadFile("/nonexistent.txt")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
