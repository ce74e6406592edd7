package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `# comment
STRAND_TEST_A=hello
STRAND_TEST_B = spaced
=nokey
not_an_assignment
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STRAND_TEST_A", "")
	os.Unsetenv("STRAND_TEST_A")
	t.Setenv("STRAND_TEST_B", "already-set")

	loadDotEnv(path)

	if got := os.Getenv("STRAND_TEST_A"); got != "hello" {
		t.Errorf("STRAND_TEST_A = %q, want %q", got, "hello")
	}
	// Existing environment wins over the file.
	if got := os.Getenv("STRAND_TEST_B"); got != "already-set" {
		t.Errorf("STRAND_TEST_B = %q, want %q", got, "already-set")
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
