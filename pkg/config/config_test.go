package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"LAMINAR_HOME", "LAMINAR_ARCHIVE_URL", "LAMINAR_TITLE", "LAMINAR_BIND_RPC", "LAMINAR_BIND_HTTP", "LAMINAR_KEEP_RUNDIRS", "LAMINAR_LOG_LEVEL"} {
		os.Unsetenv(key)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.Home != "/var/lib/laminar" {
		t.Errorf("unexpected home: %q", s.Home)
	}
	if s.ArchiveURL != "/archive" {
		t.Errorf("unexpected archive url: %q", s.ArchiveURL)
	}
	if s.Title != "Laminar" {
		t.Errorf("unexpected title: %q", s.Title)
	}
	if s.BindHTTP != "*:8080" {
		t.Errorf("unexpected bind http: %q", s.BindHTTP)
	}
	if s.KeepRundirs != 0 {
		t.Errorf("unexpected keep_rundirs: %d", s.KeepRundirs)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LAMINAR_HOME", "/tmp/ci")
	t.Setenv("LAMINAR_TITLE", "Nightly")
	t.Setenv("LAMINAR_KEEP_RUNDIRS", "3")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.Home != "/tmp/ci" {
		t.Errorf("unexpected home: %q", s.Home)
	}
	if s.Title != "Nightly" {
		t.Errorf("unexpected title: %q", s.Title)
	}
	if s.KeepRundirs != 3 {
		t.Errorf("unexpected keep_rundirs: %d", s.KeepRundirs)
	}
}

func TestParseConfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.conf")
	content := "# executor pool\nEXECUTORS=2\nTAGS=linux, amd64\n\nBROKEN LINE\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	conf, err := ParseConfFile(path)
	if err != nil {
		t.Fatalf("ParseConfFile returned error: %v", err)
	}
	if got := conf.GetInt("EXECUTORS", 6); got != 2 {
		t.Errorf("EXECUTORS = %d, want 2", got)
	}
	tags := conf.GetTags("TAGS")
	if len(tags) != 2 {
		t.Fatalf("tags = %v, want 2 entries", tags)
	}
	for _, want := range []string{"linux", "amd64"} {
		if _, ok := tags[want]; !ok {
			t.Errorf("missing tag %q in %v", want, tags)
		}
	}
}

func TestParseConfFileMissing(t *testing.T) {
	conf, err := ParseConfFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if got := conf.GetInt("TIMEOUT", 0); got != 0 {
		t.Errorf("TIMEOUT = %d, want 0", got)
	}
	if tags := conf.GetTags("TAGS"); tags != nil {
		t.Errorf("tags = %v, want nil", tags)
	}
}

func TestReadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.env")
	if err := os.WriteFile(path, []byte("DEPLOY_TARGET=staging\nRETRIES=2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env, err := ReadEnvFile(path)
	if err != nil {
		t.Fatalf("ReadEnvFile returned error: %v", err)
	}
	if env["DEPLOY_TARGET"] != "staging" || env["RETRIES"] != "2" {
		t.Errorf("unexpected env: %v", env)
	}

	empty, err := ReadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("missing env file should not error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty map, got %v", empty)
	}
}
