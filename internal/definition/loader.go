package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/expr"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
)

// FormatFor picks the decoder from a file extension; anything that is not
// .json is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return JSON
	}
	return YAML
}

// LoadFile reads and checks a workflow definition from disk.
func LoadFile(path string) (models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "failed to read definition %s", path)
	}
	def, err := Parse(data, FormatFor(path))
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "invalid definition %s", path)
	}
	return def, nil
}

// Parse decodes a definition, rejecting unknown fields, and runs Check on it.
func Parse(data []byte, format Format) (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	switch format {
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return def, errors.Wrap(err, "decode json")
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return def, errors.Wrap(err, "decode yaml")
		}
	default:
		return def, fmt.Errorf("unsupported definition format '%s'", format)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	return def, Check(def)
}

// Check validates the structure and additionally requires every step to
// carry a known type and the fields that type needs.
func Check(def models.WorkflowDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return errors.New("workflow definition has no id")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	return models.Walk(def.Steps, checkStep)
}

func checkStep(step models.StepSpec) error {
	if !step.Type.Known() {
		return fmt.Errorf("step '%s' has unknown type '%s'", step.Name, step.Type)
	}
	switch step.Type {
	case models.ServiceCallStepType:
		if step.Service == "" || step.Method == "" {
			return fmt.Errorf("service_call step '%s' needs service and method", step.Name)
		}
	case models.ConditionStepType:
		if strings.TrimSpace(step.Condition) == "" {
			return fmt.Errorf("condition step '%s' has no condition", step.Name)
		}
		if _, err := expr.Parse(step.Condition); err != nil {
			return errors.Wrapf(err, "condition step '%s'", step.Name)
		}
	case models.LoopStepType:
		if step.Items == nil {
			return fmt.Errorf("loop step '%s' has no items", step.Name)
		}
		if len(step.Steps) == 0 {
			return fmt.Errorf("loop step '%s' has no steps", step.Name)
		}
	}
	return nil
}

// LoadInput reads the initial context of a run from a JSON or YAML file.
func LoadInput(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read input %s", path)
	}
	input := map[string]any{}
	switch FormatFor(path) {
	case JSON:
		err = json.Unmarshal(data, &input)
	default:
		err = yaml.Unmarshal(data, &input)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "invalid input %s", path)
	}
	return input, nil
}
