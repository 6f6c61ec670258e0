package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExport_BundlesLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "debug.log")
	content := `{"ts":"t1","component":"capture-session","event":"recording_start"}` + "\n" +
		`{"ts":"t2","component":"capture-session","event":"recording_stop"}` + "\n"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	outPath, n, err := Export(logPath, dir)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 2 {
		t.Fatalf("line count = %d, want 2", n)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("export is empty")
	}
	var bundle DiagBundle
	if err := json.Unmarshal(scanner.Bytes(), &bundle); err != nil {
		t.Fatalf("first line is not a DiagBundle: %v", err)
	}
	if bundle.EntryCount != 2 || bundle.LogFile != logPath {
		t.Fatalf("bundle mismatch: %+v", bundle)
	}

	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("exported %d log lines, want 2", lines)
	}
}

func TestExport_MissingLogFile(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Export(filepath.Join(dir, "nope.log"), dir)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist, got %v", err)
	}
}
