// Package automation matches user-defined automations to lifecycle trigger
// events, deduplicates them, and asks the worker to execute them. Blocking
// automations gate the controller's commit/push transitions.
package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrAutomationNotFound is returned when an automation id resolves to no row.
var ErrAutomationNotFound = errors.New("automation not found")

// TriggerType is the lifecycle hook an automation is bound to.
type TriggerType string

const (
	TriggerManual             TriggerType = "manual"
	TriggerOnAgentReady       TriggerType = "on_agent_ready"
	TriggerOnBeforeCommit     TriggerType = "on_before_commit"
	TriggerOnAfterCommit      TriggerType = "on_after_commit"
	TriggerOnBeforePushPR     TriggerType = "on_before_push_pr"
	TriggerOnAfterPushPR      TriggerType = "on_after_push_pr"
	TriggerOnAfterReadFiles   TriggerType = "on_after_read_files"
	TriggerOnAfterEditFiles   TriggerType = "on_after_edit_files"
	TriggerOnAfterRunCommand  TriggerType = "on_after_run_command"
	TriggerOnAfterReset       TriggerType = "on_after_reset"
	TriggerOnAutomationFinish TriggerType = "on_automation_finishes"
)

// IsValidTriggerType reports whether t is a known trigger type.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerManual, TriggerOnAgentReady, TriggerOnBeforeCommit, TriggerOnAfterCommit,
		TriggerOnBeforePushPR, TriggerOnAfterPushPR, TriggerOnAfterReadFiles,
		TriggerOnAfterEditFiles, TriggerOnAfterRunCommand, TriggerOnAfterReset,
		TriggerOnAutomationFinish:
		return true
	default:
		return false
	}
}

// ScriptLanguage is the interpreter an automation script runs under.
type ScriptLanguage string

const (
	ScriptBash       ScriptLanguage = "bash"
	ScriptJavaScript ScriptLanguage = "javascript"
	ScriptPython     ScriptLanguage = "python"
)

// Trigger binds an automation to a hook, optionally narrowed by filters.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`
	// FileGlob narrows file-based hooks to matching paths.
	FileGlob string `json:"file_glob,omitempty" yaml:"file_glob,omitempty"`
	// CommandRegex narrows on_after_run_command to matching commands.
	CommandRegex string `json:"command_regex,omitempty" yaml:"command_regex,omitempty"`
	// AutomationID narrows on_automation_finishes to one upstream automation.
	AutomationID string `json:"automation_id,omitempty" yaml:"automation_id,omitempty"`
}

// Automation is one user-defined script bound to a trigger.
type Automation struct {
	ID             string         `json:"id" yaml:"id,omitempty"`
	ProjectID      string         `json:"project_id" yaml:"project_id,omitempty"`
	UserID         string         `json:"user_id" yaml:"user_id,omitempty"`
	Name           string         `json:"name" yaml:"name"`
	Trigger        Trigger        `json:"trigger" yaml:"trigger"`
	ScriptLanguage ScriptLanguage `json:"script_language" yaml:"script_language"`
	ScriptContent  string         `json:"script_content" yaml:"script_content"`
	Blocking       bool           `json:"blocking" yaml:"blocking"`
	FeedOutput     bool           `json:"feed_output" yaml:"feed_output"`
	CreatedAt      time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"-"`
}

// EventStatus is the execution state of one automation run.
type EventStatus string

const (
	EventRunning  EventStatus = "running"
	EventFinished EventStatus = "finished"
	EventFailed   EventStatus = "failed"
	EventKilled   EventStatus = "killed"
)

// IsTerminal reports whether the status ends the run.
func (s EventStatus) IsTerminal() bool {
	return s == EventFinished || s == EventFailed || s == EventKilled
}

// Event records one automation execution on one agent.
type Event struct {
	ID           string      `json:"id"`
	AutomationID string      `json:"automation_id"`
	AgentID      string      `json:"agent_id"`
	Status       EventStatus `json:"status"`
	Output       string      `json:"output,omitempty"`
	ExitCode     *int        `json:"exit_code,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// TriggerContext is one runtime occurrence an automation may match.
type TriggerContext struct {
	Type TriggerType
	// Files touched, for the file-based hooks.
	Files []string
	// Command executed, for on_after_run_command.
	Command string
	// FinishedAutomationID, for on_automation_finishes.
	FinishedAutomationID string
}

// Matches reports whether the automation's trigger accepts the occurrence.
func (a *Automation) Matches(tc TriggerContext) bool {
	if a.Trigger.Type != tc.Type {
		return false
	}
	switch tc.Type {
	case TriggerOnAfterReadFiles, TriggerOnAfterEditFiles:
		if a.Trigger.FileGlob == "" {
			return true
		}
		re, err := GlobToRegex(a.Trigger.FileGlob)
		if err != nil {
			return false
		}
		for _, f := range tc.Files {
			if re.MatchString(f) {
				return true
			}
		}
		return false
	case TriggerOnAfterRunCommand:
		if a.Trigger.CommandRegex == "" {
			return true
		}
		re, err := regexp.Compile(a.Trigger.CommandRegex)
		if err != nil {
			return false
		}
		return re.MatchString(tc.Command)
	case TriggerOnAutomationFinish:
		return a.Trigger.AutomationID == "" || a.Trigger.AutomationID == tc.FinishedAutomationID
	default:
		return true
	}
}

// GlobToRegex converts a file glob to an anchored regular expression.
// `**` spans directories, `*` stops at separators, `?` matches one rune.
func GlobToRegex(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				// Collapse "**/" so "**/foo" also matches a bare "foo".
				if i+1 < len(runes) && runes[i+1] == '/' {
					b.WriteString("/?")
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '(', ')', '+', '|', '^', '$', '[', ']', '{', '}', '\\':
			b.WriteString("\\")
			b.WriteRune(runes[i])
		default:
			b.WriteRune(runes[i])
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", glob, err)
	}
	return re, nil
}
