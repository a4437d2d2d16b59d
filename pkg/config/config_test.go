package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
director_server: https://director.example.com
repo_server: https://repo.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollingSec != 300 {
		t.Fatalf("expected default polling_sec 300, got %d", cfg.PollingSec)
	}
	if cfg.Pacman.Type != "none" {
		t.Fatalf("expected default pacman.type none, got %q", cfg.Pacman.Type)
	}
	if cfg.Storage.Type != "filesystem" {
		t.Fatalf("expected default storage.type filesystem, got %q", cfg.Storage.Type)
	}
	if !cfg.Orchestrator.ContinueOnMetadataFailure {
		t.Fatalf("expected default continue_on_metadata_failure true")
	}
}

func TestLoadHonoursExplicitValues(t *testing.T) {
	path := writeConfig(t, `
director_server: https://director.example.com
repo_server: https://repo.example.com
polling_sec: 60
pacman:
  type: ostree
  sysroot: /sysroot
  ostree_server: https://treehub.example.com
storage:
  type: sqlite
  path: /var/lib/nimbus
orchestrator:
  continue_on_metadata_failure: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollingSec != 60 {
		t.Fatalf("expected polling_sec 60, got %d", cfg.PollingSec)
	}
	if cfg.Pacman.Type != "ostree" || cfg.Pacman.OstreeServer != "https://treehub.example.com" {
		t.Fatalf("unexpected pacman config: %+v", cfg.Pacman)
	}
	if cfg.Orchestrator.ContinueOnMetadataFailure {
		t.Fatalf("expected explicit false to override default")
	}
}

func TestLoadRejectsUnknownPacmanType(t *testing.T) {
	path := writeConfig(t, `
director_server: https://director.example.com
repo_server: https://repo.example.com
pacman:
  type: homebrew
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for unknown pacman.type")
	}
}

func TestTLSFileBackedRequiresAllThreeSources(t *testing.T) {
	tls := TLSConfig{CASource: "file", CertSource: "file", PkeySource: "pkcs11"}
	if tls.FileBacked() {
		t.Fatalf("expected FileBacked to require all three sources to be file-backed")
	}
	tls.PkeySource = "file"
	if !tls.FileBacked() {
		t.Fatalf("expected FileBacked true when all three sources are file")
	}
}
