package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")

	w, err := newRotatingWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if w.MaxSize != 100 || w.MaxBackups != 2 || w.MaxAge != 30 || !w.Compress {
		t.Fatalf("unexpected rotation settings: %+v", w)
	}
	if _, err := w.Write([]byte("entry\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if string(content) != "entry\n" {
		t.Fatalf("unexpected content %q", content)
	}

	if _, err := newRotatingWriter(AuditConfig{Path: "  "}); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestInitRoutesAuditToSeparateFile(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app.log")
	auditLog := filepath.Join(dir, "audit.log")

	if err := Init(Config{Level: "debug", OutputPaths: []string{appLog}, Audit: AuditConfig{Enabled: true, Path: auditLog}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("settlement").Info("settled", "agent_id", "a1")
	Audit().Info("settlement_record", "agent_id", "a1", "success", true)
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, _ := os.ReadFile(appLog)
	audit, _ := os.ReadFile(auditLog)
	if !strings.Contains(string(app), `"component":"settlement"`) {
		t.Fatalf("component missing from app log: %s", app)
	}
	if strings.Contains(string(app), "settlement_record") {
		t.Fatalf("audit entry leaked into app log")
	}
	if !strings.Contains(string(audit), `"stream":"audit"`) {
		t.Fatalf("audit log missing entry: %s", audit)
	}
}
