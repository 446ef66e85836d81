package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"procurecore/pkg/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

const memoryConfig = `
storage:
  driver: memory
blob:
  driver: memory
`

func TestUploadProcessPrintsReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", memoryConfig)
	csvPath := writeFile(t, dir, "orders.csv",
		"supplier_name,material_name,quantity,unit_price,order_date\n"+
			"Acme Corp,Steel Rod,10,5.00,2026-08-01\n"+
			"Globex GmbH,Copper Wire,4,2.50,2026-08-02\n")

	out, err := runCLI(t, "--config", cfgPath, "upload", csvPath,
		"--organization", "org-1", "--ref", "cli-test-1", "--process")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var report domain.BatchReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report %q: %v", out, err)
	}
	if report.Status != domain.BatchCompleted {
		t.Fatalf("report status = %s, want completed", report.Status)
	}
	if report.StatusCounts[domain.RecordCommitted] != 2 {
		t.Fatalf("status counts = %v, want 2 committed", report.StatusCounts)
	}
}

func TestUploadRequiresOrganization(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", memoryConfig)
	csvPath := writeFile(t, dir, "orders.csv", "supplier_name\nAcme\n")

	if _, err := runCLI(t, "--config", cfgPath, "upload", csvPath); err == nil {
		t.Fatal("expected missing --organization to fail")
	}
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	if _, err := runCLI(t, "config", "init", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("reload generated config: %v", err)
	}
	if cfg.Pipeline.Workers <= 0 {
		t.Fatalf("generated config workers = %d", cfg.Pipeline.Workers)
	}

	out, err := runCLI(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "\"Workers\"") && !strings.Contains(out, "Workers") {
		t.Fatalf("config show output missing pipeline settings: %q", out)
	}
}

func TestTemplateSaveAndShow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", memoryConfig)
	tmplPath := writeFile(t, dir, "template.json", `{
  "organization_id": "org-1",
  "name": "sap-export",
  "columns": {"Lieferant": "supplier_name"}
}`)

	if _, err := runCLI(t, "--config", cfgPath, "template", "save", tmplPath); err != nil {
		t.Fatalf("template save: %v", err)
	}
	// The memory store does not persist across invocations, so show against a
	// fresh process sees nothing.
	if _, err := runCLI(t, "--config", cfgPath, "template", "show", "sap-export", "--organization", "org-1"); err == nil {
		t.Fatal("expected show against a fresh memory store to fail")
	}
}

func TestTemplatePersistsAcrossInvocationsWithSqlite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml",
		"storage:\n  driver: sqlite\n  path: "+filepath.Join(dir, "procure.db")+"\n")
	tmplPath := writeFile(t, dir, "template.json", `{
  "organization_id": "org-1",
  "name": "sap-export",
  "columns": {"Lieferant": "supplier_name"}
}`)

	if _, err := runCLI(t, "--config", cfgPath, "template", "save", tmplPath); err != nil {
		t.Fatalf("template save: %v", err)
	}
	out, err := runCLI(t, "--config", cfgPath, "template", "show", "sap-export", "--organization", "org-1")
	if err != nil {
		t.Fatalf("template show: %v", err)
	}
	var loaded domain.MappingTemplate
	if err := json.Unmarshal([]byte(out), &loaded); err != nil {
		t.Fatalf("decode template %q: %v", out, err)
	}
	if loaded.Columns["Lieferant"] != domain.FieldSupplierName {
		t.Fatalf("loaded template columns = %v", loaded.Columns)
	}
}

func TestReadCSVRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.csv", "")
	if _, _, err := readCSV(path); err == nil {
		t.Fatal("expected empty csv to fail")
	}
}
