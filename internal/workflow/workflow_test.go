package workflow

import (
	"strings"
	"testing"

	"github.com/caseflowd/caseflow/internal/models"
)

func threeStepDef(t *testing.T) *Definition {
	t.Helper()
	d, err := New([]models.Step{
		{Name: "upload_files", Type: models.StepTypeUpload, Progress: 30},
		{Name: "run_sim", Type: models.StepTypeExecute, Progress: 70},
		{Name: "fetch_results", Type: models.StepTypeDownload, Progress: 100},
	}, map[string]string{
		"run_sim": "run --case {case_id} --gpu {gpu_id}",
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestStepOrdering(t *testing.T) {
	d := threeStepDef(t)

	first, ok := d.FirstStep()
	if !ok || first.Name != "upload_files" {
		t.Fatalf("wrong first step: %+v", first)
	}

	next, ok, err := d.NextStep("upload_files")
	if err != nil || !ok || next.Name != "run_sim" {
		t.Fatalf("wrong next step after upload_files: %+v %v", next, err)
	}

	_, ok, err = d.NextStep("fetch_results")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("last step must have no successor")
	}

	if _, _, err := d.NextStep("no_such_step"); err == nil {
		t.Fatal("unknown step must error")
	}
}

func TestStepByName(t *testing.T) {
	d := threeStepDef(t)
	step, ok := d.StepByName("run_sim")
	if !ok || step.Type != models.StepTypeExecute || step.Progress != 70 {
		t.Fatalf("wrong step: %+v", step)
	}
	if _, ok := d.StepByName("missing"); ok {
		t.Fatal("missing step must not resolve")
	}
}

func TestRenderCommand(t *testing.T) {
	d := threeStepDef(t)
	cmd, err := d.RenderCommand("run_sim", "C1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "run --case C1 --gpu 0" {
		t.Fatalf("wrong command: %q", cmd)
	}
	if _, err := d.RenderCommand("upload_files", "C1", 0); err == nil {
		t.Fatal("rendering a step without a template must error")
	}
}

func TestEmptyWorkflowAllowed(t *testing.T) {
	d, err := New(nil, nil)
	if err != nil {
		t.Fatalf("empty workflow must build: %v", err)
	}
	if !d.Empty() {
		t.Fatal("Empty() must report true")
	}
	if _, ok := d.FirstStep(); ok {
		t.Fatal("empty workflow has no first step")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name      string
		steps     []models.Step
		templates map[string]string
		wantErr   string
	}{
		{
			name: "duplicate step name",
			steps: []models.Step{
				{Name: "a", Type: models.StepTypeUpload, Progress: 10},
				{Name: "a", Type: models.StepTypeDownload, Progress: 20},
			},
			wantErr: "duplicate",
		},
		{
			name: "unknown type",
			steps: []models.Step{
				{Name: "a", Type: "compress", Progress: 10},
			},
			wantErr: "unknown type",
		},
		{
			name: "decreasing progress",
			steps: []models.Step{
				{Name: "a", Type: models.StepTypeUpload, Progress: 50},
				{Name: "b", Type: models.StepTypeDownload, Progress: 20},
			},
			wantErr: "decreases",
		},
		{
			name: "progress out of range",
			steps: []models.Step{
				{Name: "a", Type: models.StepTypeUpload, Progress: 120},
			},
			wantErr: "out of range",
		},
		{
			name: "execute without template",
			steps: []models.Step{
				{Name: "a", Type: models.StepTypeExecute, Progress: 10},
			},
			wantErr: "no command template",
		},
		{
			name: "unresolved placeholder",
			steps: []models.Step{
				{Name: "a", Type: models.StepTypeExecute, Progress: 10},
			},
			templates: map[string]string{"a": "run {case_id} {node_id}"},
			wantErr:   "unresolved placeholder",
		},
		{
			name: "unnamed step",
			steps: []models.Step{
				{Name: "", Type: models.StepTypeUpload, Progress: 10},
			},
			wantErr: "no name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.steps, tt.templates)
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %q", tt.wantErr, err)
			}
		})
	}
}
