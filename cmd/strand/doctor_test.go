package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunDoctorCommandTextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STRAND_HOME", home)
	cfgYAML := "project: proj-1\nauth_token: tok\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	// Exit code depends on the environment; 2 would mean a parse error.
	if code := runDoctorCommand(context.Background(), nil); code == 2 {
		t.Fatalf("unexpected exit code 2")
	}
}

func TestRunDoctorCommandJSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STRAND_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("project: proj-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, flag := range []string{"-json", "--json"} {
		if code := runDoctorCommand(context.Background(), []string{flag}); code != 0 {
			t.Fatalf("%s: got exit code %d, want 0", flag, code)
		}
	}
}

func TestRunDoctorCommandMissingConfig(t *testing.T) {
	t.Setenv("STRAND_HOME", t.TempDir())
	// No config.yaml: defaults apply and the run still completes.
	if code := runDoctorCommand(context.Background(), nil); code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}
