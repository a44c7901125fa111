package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestWriteJSONAtomic_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "doc.json")
	if err := WriteJSONAtomic(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["n"] != 1 {
		t.Errorf("n = %d, want 1", got["n"])
	}
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	for i := 0; i < 5; i++ {
		if err := WriteFileAtomic(path, []byte(fmt.Sprintf("v%d", i)), 0o644); err != nil {
			t.Fatalf("WriteFileAtomic() error = %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want only doc.json", names)
	}
}

func TestWriteFileAtomic_ConcurrentReadersSeeWholeDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	small := strings.Repeat("a", 10)
	large := strings.Repeat("b", 64*1024)
	if err := WriteFileAtomic(path, []byte(small), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(stop)
		for i := 0; i < 50; i++ {
			content := small
			if i%2 == 0 {
				content = large
			}
			if err := WriteFileAtomic(path, []byte(content), 0o644); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if s := string(data); s != small && s != large {
			t.Fatalf("observed partial content of length %d", len(s))
		}
	}
}

func TestWriteFileAtomic_EmptyPath(t *testing.T) {
	if err := WriteFileAtomic("", nil, 0o644); err == nil {
		t.Error("expected error for empty path")
	}
}
