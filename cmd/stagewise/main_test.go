package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petrijr/stagewise/pkg/api"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	cmd.ErrWriter = &errOut

	argv := append([]string{"stagewise", "--log-level", "error"}, args...)
	if err := cmd.Run(context.Background(), argv); err != nil {
		t.Fatalf("stagewise %s failed: %v\nstderr: %s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String()
}

func TestRun_InMemory(t *testing.T) {
	out := runCLI(t, "run", "--param", "state=CA", "--param", "drivers=2", "auto", "policy", "limits")

	var res api.WorkflowResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if res.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %+v", res)
	}
	if !strings.Contains(res.Output["summary"].(string), `"auto policy limits"`) {
		t.Fatalf("unexpected summary: %v", res.Output["summary"])
	}
}

func TestSubmitWorkResult_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stagewise.yaml")
	cfg := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "stagewise.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	id := strings.TrimSpace(runCLI(t, "--config", cfgPath, "submit", "--id", "wf-cli", "auto policy limits"))
	if id != "wf-cli" {
		t.Fatalf("expected id wf-cli, got %q", id)
	}

	var view api.StatusView
	if err := json.Unmarshal([]byte(runCLI(t, "--config", cfgPath, "status", id)), &view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.Status != api.StatusCreated {
		t.Fatalf("expected CREATED before work, got %s", view.Status)
	}

	runCLI(t, "--config", cfgPath, "work", "--drain", "--recover=false")

	var res api.WorkflowResult
	if err := json.Unmarshal([]byte(runCLI(t, "--config", cfgPath, "result", id)), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != api.StatusCompleted || res.Pending {
		t.Fatalf("expected COMPLETED, got %+v", res)
	}

	var history []api.HandoffEvent
	if err := json.Unmarshal([]byte(runCLI(t, "--config", cfgPath, "history", id)), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != api.HandoffSucceeded {
		t.Fatalf("unexpected history: %+v", history)
	}

	out := runCLI(t, "--config", cfgPath, "cancel", id)
	if !strings.Contains(out, "already terminal") {
		t.Fatalf("expected cancel of a terminal workflow to be a no-op, got %q", out)
	}

	var views []api.StatusView
	if err := json.Unmarshal([]byte(runCLI(t, "--config", cfgPath, "list", "--status", "completed")), &views); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(views) != 1 || views[0].WorkflowID != id {
		t.Fatalf("unexpected list: %+v", views)
	}

	if out := runCLI(t, "--config", cfgPath, "recover"); !strings.Contains(out, "recovered 0") {
		t.Fatalf("unexpected recover output: %q", out)
	}
}

func TestCancel_BeforeWork(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stagewise.yaml")
	cfg := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "stagewise.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	id := strings.TrimSpace(runCLI(t, "--config", cfgPath, "submit", "umbrella"))
	if out := runCLI(t, "--config", cfgPath, "cancel", id); !strings.Contains(out, "cancelled") {
		t.Fatalf("unexpected cancel output: %q", out)
	}

	// The queued execute task finds a terminal workflow and does nothing.
	runCLI(t, "--config", cfgPath, "work", "--drain")

	var res api.WorkflowResult
	if err := json.Unmarshal([]byte(runCLI(t, "--config", cfgPath, "result", id)), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != api.StatusFailed || res.Errors[0].Kind != api.ErrorKindCancelled {
		t.Fatalf("expected a cancelled workflow, got %+v", res)
	}
}

func TestRequestFrom_RejectsMalformedParam(t *testing.T) {
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), []string{"stagewise", "run", "--param", "novalue", "q"})
	if err == nil || !strings.Contains(err.Error(), "expected key=value") {
		t.Fatalf("expected a param error, got %v", err)
	}
}
