// Package workflow holds the ordered step definition a conductor drives
// every case through, together with the command templates used to build
// execute-step dispatches.
package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/caseflowd/caseflow/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

type Definition struct {
	steps     []models.Step
	byName    map[string]int
	templates map[string]string
}

// New builds a workflow definition from the configured step list and the
// command templates keyed by execute-step name. Any structural problem is
// returned as an error so the caller can abort startup. An empty step list
// is not an error here; it is handled when the first case arrives.
func New(steps []models.Step, templates map[string]string) (*Definition, error) {
	d := &Definition{
		steps:     steps,
		byName:    make(map[string]int, len(steps)),
		templates: templates,
	}

	lastProgress := -1
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if _, dup := d.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		d.byName[s.Name] = i

		switch s.Type {
		case models.StepTypeUpload, models.StepTypeExecute, models.StepTypeDownload:
		default:
			return nil, fmt.Errorf("step %q: unknown type %q", s.Name, s.Type)
		}

		if s.Progress < 0 || s.Progress > 100 {
			return nil, fmt.Errorf("step %q: progress %d out of range", s.Name, s.Progress)
		}
		if s.Progress < lastProgress {
			return nil, fmt.Errorf("step %q: progress %d decreases from %d", s.Name, s.Progress, lastProgress)
		}
		lastProgress = s.Progress

		if s.Type == models.StepTypeExecute {
			tpl, ok := templates[s.Name]
			if !ok {
				return nil, fmt.Errorf("step %q: no command template", s.Name)
			}
			if _, err := render(tpl, "probe", "GPU-0"); err != nil {
				return nil, fmt.Errorf("step %q: %w", s.Name, err)
			}
		}
	}

	return d, nil
}

// Empty reports whether the definition has no steps at all.
func (d *Definition) Empty() bool {
	return len(d.steps) == 0
}

func (d *Definition) FirstStep() (models.Step, bool) {
	if len(d.steps) == 0 {
		return models.Step{}, false
	}
	return d.steps[0], true
}

// NextStep returns the step after the named one, or ok=false when the
// named step is the last. Unknown names are an error.
func (d *Definition) NextStep(current string) (models.Step, bool, error) {
	i, ok := d.byName[current]
	if !ok {
		return models.Step{}, false, fmt.Errorf("unknown step %q", current)
	}
	if i+1 >= len(d.steps) {
		return models.Step{}, false, nil
	}
	return d.steps[i+1], true, nil
}

func (d *Definition) StepByName(name string) (models.Step, bool) {
	i, ok := d.byName[name]
	if !ok {
		return models.Step{}, false
	}
	return d.steps[i], true
}

// RenderCommand substitutes the case id and reserved GPU into the
// template for an execute step.
func (d *Definition) RenderCommand(step, caseID string, gpuIndex int) (string, error) {
	tpl, ok := d.templates[step]
	if !ok {
		return "", fmt.Errorf("step %q: no command template", step)
	}
	return render(tpl, caseID, strconv.Itoa(gpuIndex))
}

func render(tpl, caseID, gpuID string) (string, error) {
	out := strings.ReplaceAll(tpl, "{case_id}", caseID)
	out = strings.ReplaceAll(out, "{gpu_id}", gpuID)
	if left := placeholderRe.FindString(out); left != "" {
		return "", fmt.Errorf("unresolved placeholder %s in command template", left)
	}
	return out, nil
}
