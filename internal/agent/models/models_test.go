package models

import (
	"testing"
	"time"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

func TestAgentStateConstants(t *testing.T) {
	tests := []struct {
		name     string
		state    v1.AgentState
		expected string
	}{
		{"PROVISIONING state", v1.AgentStateProvisioning, "PROVISIONING"},
		{"PROVISIONED state", v1.AgentStateProvisioned, "PROVISIONED"},
		{"CLONING state", v1.AgentStateCloning, "CLONING"},
		{"READY state", v1.AgentStateReady, "READY"},
		{"IDLE state", v1.AgentStateIdle, "IDLE"},
		{"RUNNING state", v1.AgentStateRunning, "RUNNING"},
		{"ERROR state", v1.AgentStateError, "ERROR"},
		{"ARCHIVING state", v1.AgentStateArchiving, "ARCHIVING"},
		{"ARCHIVED state", v1.AgentStateArchived, "ARCHIVED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.state) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, string(tt.state))
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    v1.AgentState
		to      v1.AgentState
		allowed bool
	}{
		{"provisioning to provisioned", v1.AgentStateProvisioning, v1.AgentStateProvisioned, true},
		{"provisioning to error", v1.AgentStateProvisioning, v1.AgentStateError, true},
		{"provisioning to ready skips cloning", v1.AgentStateProvisioning, v1.AgentStateReady, false},
		{"provisioned to cloning", v1.AgentStateProvisioned, v1.AgentStateCloning, true},
		{"cloning to ready", v1.AgentStateCloning, v1.AgentStateReady, true},
		{"ready to idle", v1.AgentStateReady, v1.AgentStateIdle, true},
		{"ready to running is not direct", v1.AgentStateReady, v1.AgentStateRunning, false},
		{"idle to running", v1.AgentStateIdle, v1.AgentStateRunning, true},
		{"running to idle", v1.AgentStateRunning, v1.AgentStateIdle, true},
		{"running to error", v1.AgentStateRunning, v1.AgentStateError, true},
		{"running to archived is not direct", v1.AgentStateRunning, v1.AgentStateArchived, false},
		{"error resumes to provisioning", v1.AgentStateError, v1.AgentStateProvisioning, true},
		{"archived resumes to provisioning", v1.AgentStateArchived, v1.AgentStateProvisioning, true},
		{"archived to running", v1.AgentStateArchived, v1.AgentStateRunning, false},
		{"idle to archiving", v1.AgentStateIdle, v1.AgentStateArchiving, true},
		{"archiving to archived", v1.AgentStateArchiving, v1.AgentStateArchived, true},
		{"unknown state has no transitions", v1.AgentState("BOGUS"), v1.AgentStateIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestIsValidState(t *testing.T) {
	for _, s := range []v1.AgentState{
		v1.AgentStateProvisioning, v1.AgentStateProvisioned, v1.AgentStateCloning,
		v1.AgentStateReady, v1.AgentStateIdle, v1.AgentStateRunning,
		v1.AgentStateError, v1.AgentStateArchiving, v1.AgentStateArchived,
	} {
		if !IsValidState(s) {
			t.Errorf("expected %s to be a valid state", s)
		}
	}
	if IsValidState(v1.AgentState("NOPE")) {
		t.Error("expected NOPE to be invalid")
	}
}

func TestIsPollableState(t *testing.T) {
	pollable := map[v1.AgentState]bool{
		v1.AgentStateReady:   true,
		v1.AgentStateIdle:    true,
		v1.AgentStateRunning: true,
	}
	for _, s := range []v1.AgentState{
		v1.AgentStateProvisioning, v1.AgentStateProvisioned, v1.AgentStateCloning,
		v1.AgentStateReady, v1.AgentStateIdle, v1.AgentStateRunning,
		v1.AgentStateError, v1.AgentStateArchiving, v1.AgentStateArchived,
	} {
		if got := IsPollableState(s); got != pollable[s] {
			t.Errorf("IsPollableState(%s) = %v, want %v", s, got, pollable[s])
		}
	}
}

func TestAgentIsPollable(t *testing.T) {
	agent := Agent{State: v1.AgentStateRunning}
	if !agent.IsPollable() {
		t.Error("running agent should be pollable")
	}
	agent.IsTrashed = true
	if agent.IsPollable() {
		t.Error("trashed agent should not be pollable")
	}
	agent.IsTrashed = false
	agent.State = v1.AgentStateError
	if agent.IsPollable() {
		t.Error("errored agent should not be pollable")
	}
}

func TestAgentInSlopMode(t *testing.T) {
	now := time.Now().UTC()
	agent := Agent{}
	if agent.InSlopMode(now) {
		t.Error("agent with no expiry should not be in slop mode")
	}

	future := now.Add(time.Hour)
	agent.InSlopModeUntil = &future
	if !agent.InSlopMode(now) {
		t.Error("agent with future expiry should be in slop mode")
	}

	past := now.Add(-time.Minute)
	agent.InSlopModeUntil = &past
	if agent.InSlopMode(now) {
		t.Error("agent with past expiry should not be in slop mode")
	}
}

func TestAgentHasOpenPR(t *testing.T) {
	agent := Agent{}
	if agent.HasOpenPR() {
		t.Error("agent without PR should not report an open PR")
	}

	number := 42
	agent.PRNumber = &number
	agent.PRState = v1.PullRequestStateMerged
	if agent.HasOpenPR() {
		t.Error("merged PR should not count as open")
	}

	agent.PRState = v1.PullRequestStateOpen
	if !agent.HasOpenPR() {
		t.Error("expected open PR to be reported")
	}
}

func TestPromptIsActive(t *testing.T) {
	tests := []struct {
		status v1.PromptStatus
		active bool
	}{
		{v1.PromptStatusQueued, true},
		{v1.PromptStatusRunning, true},
		{v1.PromptStatusFinished, false},
		{v1.PromptStatusFailed, false},
	}
	for _, tt := range tests {
		p := Prompt{Status: tt.status}
		if got := p.IsActive(); got != tt.active {
			t.Errorf("IsActive() with status %s = %v, want %v", tt.status, got, tt.active)
		}
	}
}

func TestIsValidModel(t *testing.T) {
	for _, m := range []v1.PromptModel{v1.PromptModelOpus, v1.PromptModelSonnet, v1.PromptModelHaiku} {
		if !IsValidModel(m) {
			t.Errorf("expected %s to be valid", m)
		}
	}
	if IsValidModel(v1.PromptModel("gpt")) {
		t.Error("expected unknown model to be invalid")
	}
}

func TestMessageIsEmpty(t *testing.T) {
	msg := Message{}
	if !msg.IsEmpty() {
		t.Error("message without content or tools should be empty")
	}
	msg.Content = "hello"
	if msg.IsEmpty() {
		t.Error("message with content should not be empty")
	}
	msg.Content = ""
	msg.Tools = []v1.ToolCall{{ID: "tool-1", Name: "read_file"}}
	if msg.IsEmpty() {
		t.Error("message with tools should not be empty")
	}
}

func TestMessageToolsJSON(t *testing.T) {
	msg := Message{}
	got, err := msg.ToolsJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "[]" {
		t.Errorf("expected [] for empty tools, got %s", got)
	}

	msg.Tools = []v1.ToolCall{{ID: "tool-1", Name: "run_command", Output: "ok"}}
	first, err := msg.ToolsJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := msg.ToolsJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("tools JSON not stable: %s vs %s", first, second)
	}
}

func TestAgentStructInitialization(t *testing.T) {
	now := time.Now().UTC()
	provisioned := now.Add(-time.Minute)
	agent := Agent{
		ID:               "agent-123",
		UserID:           "user-001",
		ProjectID:        "project-001",
		Name:             "readme-writer",
		BranchName:       "ariana/readme-writer",
		MachineID:        "machine-9",
		MachineType:      v1.MachineTypePool,
		MachineAddress:   "10.0.0.9",
		MachineSharedKey: "shared-secret",
		State:            v1.AgentStateIdle,
		ProvisionedAt:    &provisioned,
		LifetimeUnits:    12,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if agent.ID != "agent-123" {
		t.Errorf("expected ID agent-123, got %s", agent.ID)
	}
	if agent.MachineType != v1.MachineTypePool {
		t.Errorf("expected pool machine type, got %s", agent.MachineType)
	}
	if !agent.HasMachine() {
		t.Error("expected agent to have machine coordinates")
	}
	if agent.LifetimeUnits != 12 {
		t.Errorf("expected 12 lifetime units, got %d", agent.LifetimeUnits)
	}

	api := agent.ToAPI()
	if api.ID != agent.ID {
		t.Errorf("expected API ID %s, got %s", agent.ID, api.ID)
	}
	if api.State != v1.AgentStateIdle {
		t.Errorf("expected API state IDLE, got %s", api.State)
	}
	if api.MachineAddress != "10.0.0.9" {
		t.Errorf("expected machine address in API type, got %s", api.MachineAddress)
	}
}
