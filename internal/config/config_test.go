package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
broker:
  url: redis://localhost:6379/0
store:
  path: /var/lib/caseflow/state.db
workflow:
  - name: upload_case_files
    type: upload
    progress: 50
  - name: run_sim
    type: execute
    progress: 100
commands:
  run_sim: "run --case {case_id} --gpu {gpu_id}"
paths:
  local_cases_root: /var/cases
  remote_upload_root: /remote/in
  remote_download_root: /remote/out
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Broker.InboxQueue != "conductor_queue" {
		t.Fatalf("wrong inbox default: %s", cfg.Broker.InboxQueue)
	}
	if cfg.Broker.FileTransferQueue != "file_transfer_queue" || cfg.Broker.RemoteExecutorQueue != "remote_executor_queue" {
		t.Fatalf("wrong outbox defaults: %+v", cfg.Broker)
	}
	if cfg.Broker.MaxRetries != 5 || cfg.Broker.Prefetch != 4 {
		t.Fatalf("wrong retry/prefetch defaults: %+v", cfg.Broker)
	}
	if cfg.Curator.Interval != 30*time.Second {
		t.Fatalf("wrong curator default: %s", cfg.Curator.Interval)
	}

	steps := cfg.Steps()
	if len(steps) != 2 || steps[1].Name != "run_sim" || steps[1].Progress != 100 {
		t.Fatalf("bad steps: %+v", steps)
	}
}

func TestValidateRejectsMissingKeys(t *testing.T) {
	tests := []struct {
		name    string
		drop    string
		wantErr string
	}{
		{"no broker url", "url: redis://localhost:6379/0", "broker.url"},
		{"no store path", "path: /var/lib/caseflow/state.db", "store.path"},
		{"no local root", "local_cases_root: /var/cases", "local_cases_root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := strings.Replace(sampleConfig, tt.drop, "", 1)
			cfg, err := Load(writeConfig(t, content))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateRejectsBrokenWorkflow(t *testing.T) {
	content := strings.Replace(sampleConfig,
		`  run_sim: "run --case {case_id} --gpu {gpu_id}"`, "", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "no command template") {
		t.Fatalf("want template error, got %v", err)
	}
}
