package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
)

func strPtr(s string) *string { return &s }

func basePolicy(allowed ...string) policy.Policy {
	return policy.Policy{
		PolicyVersion: policy.PolicyVersion,
		Sandbox:       policy.SandboxMode{Kind: policy.SandboxDisabled, Ack: true},
		Network:       policy.NetworkPolicy{Kind: policy.NetworkDisabled, UnenforcedAck: true},
		FS:            policy.FSPolicy{AllowedRead: []string{"/tmp"}, WorkingDir: strPtr("/tmp")},
		Exec:          policy.ExecPolicy{AllowedExecutables: allowed},
		Budgets:       policy.DefaultBudgets(),
	}
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal(%+v) = %v", v, err)
	}
	return data
}

// TestScenario1EchoPasses reproduces spec.md §9 Scenario 1 verbatim:
// a disabled-sandbox policy running /bin/echo hello exits passed with
// "hello" on the final screen.
func TestScenario1EchoPasses(t *testing.T) {
	p := basePolicy("/bin/echo")
	cfg := model.RunConfig{
		Command:     "/bin/echo",
		Args:        []string{"hello"},
		Cwd:         strPtr("/tmp"),
		InitialSize: model.DefaultTerminalSize(),
		Policy:      model.PolicyRef{Inline: &p},
	}
	result, err := RunExecWithOptions(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("RunExecWithOptions() error = %v", err)
	}
	if result.Status != model.RunPassed {
		t.Fatalf("Status = %s, want passed (result=%+v)", result.Status, result)
	}
	if result.FinalObservation == nil || len(result.FinalObservation.Screen.Lines) == 0 ||
		!containsLine(result.FinalObservation.Screen.Lines, "hello") {
		t.Fatalf("final screen does not contain %q: %+v", "hello", result.FinalObservation)
	}
}

// TestScenario2DeniedExecutable reproduces spec.md §9 Scenario 2: the
// same policy running /bin/ls (not in allowed_executables) is refused
// before a session is ever spawned, with E_POLICY_DENIED (exit 2)
// naming allowed_executables.
func TestScenario2DeniedExecutable(t *testing.T) {
	p := basePolicy("/bin/echo")
	cfg := model.RunConfig{
		Command:     "/bin/ls",
		InitialSize: model.DefaultTerminalSize(),
		Policy:      model.PolicyRef{Inline: &p},
	}
	result, err := RunExecWithOptions(context.Background(), cfg, Options{})
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("error = %v, want E_POLICY_DENIED", err)
	}
	if errtax.ExitCode(err.Code) != 2 {
		t.Errorf("ExitCode = %d, want 2", errtax.ExitCode(err.Code))
	}
	if err.Context["allowed_executables"] == nil {
		t.Errorf("context missing allowed_executables: %+v", err.Context)
	}
	if result == nil || result.Status != model.RunErrored {
		t.Fatalf("result = %+v, want an errored RunResult", result)
	}
}

// TestScenario3WaitTimesOut reproduces spec.md §9 Scenario 3: a single
// wait{screen_contains:"never"} step with a 50ms timeout against
// /bin/cat times out with E_TIMEOUT (exit 4), context.step_id equal to
// the step's id and context.details.condition="screen_contains".
func TestScenario3WaitTimesOut(t *testing.T) {
	p := basePolicy("/bin/cat")
	stepId := ids.NewStepId()
	waitAction := model.Action{
		Type: model.ActionWait,
		Payload: mustPayload(t, model.WaitPayload{
			Condition: model.WaitCondition{
				Type:    "screen_contains",
				Payload: mustPayload(t, map[string]string{"text": "never"}),
			},
		}),
	}
	scenario := &model.Scenario{
		ScenarioVersion: model.ScenarioVersion,
		Metadata:        model.ScenarioMetadata{Name: "wait-times-out"},
		Run: model.RunConfig{
			Command:     "/bin/cat",
			InitialSize: model.DefaultTerminalSize(),
			Policy:      model.PolicyRef{Inline: &p},
		},
		Steps: []model.Step{
			{Id: stepId, Name: "wait-never", Action: waitAction, TimeoutMs: 50},
		},
	}

	result, err := RunScenario(context.Background(), scenario, Options{})
	if err == nil || err.Code != errtax.CodeTimeout {
		t.Fatalf("error = %v, want E_TIMEOUT", err)
	}
	if errtax.ExitCode(err.Code) != 4 {
		t.Errorf("ExitCode = %d, want 4", errtax.ExitCode(err.Code))
	}
	if got := err.Context["step_id"]; got != stepId.String() {
		t.Errorf("context.step_id = %v, want %s", got, stepId.String())
	}
	details, ok := err.Context["details"].(map[string]any)
	if !ok {
		t.Fatalf("context.details = %v, want a map", err.Context["details"])
	}
	if details["condition"] != "screen_contains" {
		t.Errorf("context.details.condition = %v, want screen_contains", details["condition"])
	}
	if result.Status != model.RunErrored {
		t.Errorf("Status = %s, want errored", result.Status)
	}
}

// TestBudgetsMaxStepsZeroImmediateTimeout is the mandatory boundary
// case from spec.md:365-366: max_steps=0 with a non-empty scenario
// must fail with E_TIMEOUT before any step runs.
func TestBudgetsMaxStepsZeroImmediateTimeout(t *testing.T) {
	p := basePolicy("/bin/cat")
	p.Budgets.MaxSteps = 0
	scenario := &model.Scenario{
		ScenarioVersion: model.ScenarioVersion,
		Run: model.RunConfig{
			Command:     "/bin/cat",
			InitialSize: model.DefaultTerminalSize(),
			Policy:      model.PolicyRef{Inline: &p},
		},
		Steps: []model.Step{
			{Id: ids.NewStepId(), Name: "only-step", Action: model.Action{Type: model.ActionTerminate, Payload: json.RawMessage("{}")}},
		},
	}

	result, err := RunScenario(context.Background(), scenario, Options{})
	if err == nil || err.Code != errtax.CodeTimeout {
		t.Fatalf("error = %v, want E_TIMEOUT", err)
	}
	if result.Steps != nil && len(result.Steps) != 0 {
		for _, sr := range result.Steps {
			if sr.Status != model.StepSkipped {
				t.Errorf("step %q status = %s, want skipped (no step should have run)", sr.Name, sr.Status)
			}
		}
	}
}

// TestBudgetsMaxOutputBytesZeroTimeout is the second mandatory
// boundary case: max_output_bytes=0 with any byte echoed back by
// /bin/cat fails the step with E_TIMEOUT. The budget is checked per
// step inside runStep, so this drives it through RunScenario rather
// than the exec fast path (which never writes to a PTY session after
// spawn and has no output-bytes check of its own).
func TestBudgetsMaxOutputBytesZeroTimeout(t *testing.T) {
	p := basePolicy("/bin/cat")
	p.Budgets.MaxOutputBytes = 0
	textAction := model.Action{
		Type:    model.ActionText,
		Payload: mustPayload(t, model.TextPayload{Text: "hi\n"}),
	}
	scenario := &model.Scenario{
		ScenarioVersion: model.ScenarioVersion,
		Run: model.RunConfig{
			Command:     "/bin/cat",
			InitialSize: model.DefaultTerminalSize(),
			Policy:      model.PolicyRef{Inline: &p},
		},
		Steps: []model.Step{
			{Id: ids.NewStepId(), Name: "echo-some-text", Action: textAction, TimeoutMs: 500},
		},
	}

	result, err := RunScenario(context.Background(), scenario, Options{})
	if err == nil || err.Code != errtax.CodeTimeout {
		t.Fatalf("error = %v, want E_TIMEOUT (result=%+v)", err, result)
	}
	if got := err.Context["details"]; got == nil {
		t.Errorf("context.details missing: %+v", err.Context)
	}
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if contains(l, want) {
			return true
		}
	}
	return false
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
