package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/model"
)

// taggedField is the YAML shape of Action/Assertion/WaitCondition:
// a `type` discriminator plus a free-form `payload` that yaml.v3
// decodes into a generic value, then re-encodes to the json.RawMessage
// the core types carry (yaml.v3 has no native json.RawMessage support).
type taggedField struct {
	Type    string `yaml:"type"`
	Payload any    `yaml:"payload"`
}

func (t taggedField) rawPayload() (json.RawMessage, error) {
	if t.Payload == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(normalizeYAML(t.Payload))
}

// normalizeYAML recursively converts map[string]interface{} keys
// decoded by yaml.v3 (which may produce map[any]any for nested
// mappings depending on node shape) into JSON-marshalable
// map[string]any, since encoding/json refuses non-string map keys.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

type waitConditionFile taggedField

type stepFile struct {
	Id        string   `yaml:"id,omitempty"`
	Name      string   `yaml:"name"`
	Action    taggedField `yaml:"action"`
	Assert    []taggedField `yaml:"assert"`
	TimeoutMs uint64   `yaml:"timeout_ms"`
	Retries   uint32   `yaml:"retries"`
	Wait      *struct {
		Condition taggedField `yaml:"condition"`
	} `yaml:"wait,omitempty"`
}

type scenarioFile struct {
	ScenarioVersion int    `yaml:"scenario_version"`
	Metadata        struct {
		Name        string  `yaml:"name"`
		Description *string `yaml:"description,omitempty"`
	} `yaml:"metadata"`
	Run struct {
		Command     string       `yaml:"command"`
		Args        []string     `yaml:"args"`
		Cwd         *string      `yaml:"cwd,omitempty"`
		InitialSize struct {
			Rows uint16 `yaml:"rows"`
			Cols uint16 `yaml:"cols"`
		} `yaml:"initial_size"`
		Policy struct {
			Path string `yaml:"path,omitempty"`
		} `yaml:"policy"`
	} `yaml:"run"`
	Steps []stepFile `yaml:"steps"`
}

func (f scenarioFile) toScenario() (*model.Scenario, error) {
	steps := make([]model.Step, 0, len(f.Steps))
	for _, sf := range f.Steps {
		action, err := toAction(sf)
		if err != nil {
			return nil, fmt.Errorf("loader: step %q: %w", sf.Name, err)
		}
		asserts := make([]model.Assertion, 0, len(sf.Assert))
		for _, af := range sf.Assert {
			payload, err := taggedField(af).rawPayload()
			if err != nil {
				return nil, fmt.Errorf("loader: step %q assertion %q: %w", sf.Name, af.Type, err)
			}
			asserts = append(asserts, model.Assertion{Type: af.Type, Payload: payload})
		}

		stepId := ids.NewStepId()
		if sf.Id != "" {
			if err := json.Unmarshal([]byte(`"`+sf.Id+`"`), &stepId); err != nil {
				return nil, fmt.Errorf("loader: step %q has invalid id %q: %w", sf.Name, sf.Id, err)
			}
		}

		steps = append(steps, model.Step{
			Id:        stepId,
			Name:      sf.Name,
			Action:    action,
			Assert:    asserts,
			TimeoutMs: sf.TimeoutMs,
			Retries:   sf.Retries,
		})
	}

	version := f.ScenarioVersion
	if version == 0 {
		version = model.ScenarioVersion
	}

	var cwd *string
	if f.Run.Cwd != nil {
		cwd = f.Run.Cwd
	}

	policyRef := model.PolicyRef{Path: f.Run.Policy.Path}

	return &model.Scenario{
		ScenarioVersion: version,
		Metadata:        model.ScenarioMetadata{Name: f.Metadata.Name, Description: f.Metadata.Description},
		Run: model.RunConfig{
			Command: f.Run.Command,
			Args:    f.Run.Args,
			Cwd:     cwd,
			InitialSize: model.TerminalSize{
				Rows: f.Run.InitialSize.Rows,
				Cols: f.Run.InitialSize.Cols,
			},
			Policy: policyRef,
		},
		Steps: steps,
	}, nil
}

// toAction converts one stepFile's action shape. A step with a `wait`
// block (rather than an `action.type: wait`) is sugar for
// Action{Type: wait, Payload: {condition}}, matching scenario authors
// writing `wait: {condition: {...}}` instead of the fully generic form.
func toAction(sf stepFile) (model.Action, error) {
	if sf.Wait != nil {
		condPayload, err := taggedField(sf.Wait.Condition).rawPayload()
		if err != nil {
			return model.Action{}, err
		}
		waitPayload, err := json.Marshal(model.WaitPayload{
			Condition: model.WaitCondition{Type: sf.Wait.Condition.Type, Payload: condPayload},
		})
		if err != nil {
			return model.Action{}, err
		}
		return model.Action{Type: model.ActionWait, Payload: waitPayload}, nil
	}
	payload, err := sf.Action.rawPayload()
	if err != nil {
		return model.Action{}, err
	}
	return model.Action{Type: model.ActionType(sf.Action.Type), Payload: payload}, nil
}

// LoadScenario reads and decodes a scenario YAML document from path.
// The returned Scenario's Run.Policy is left unresolved (Path only)
// if the file names one by path; callers must pass it through
// ResolvePolicyRef before handing the Scenario to internal/runner.
func LoadScenario(path string) (*model.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read scenario %s: %w", path, err)
	}
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("loader: parse scenario: %w", err)
	}
	return f.toScenario()
}
