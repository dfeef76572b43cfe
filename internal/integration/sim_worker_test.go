package integration

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana/internal/worker"
)

// simWorker is an httptest-backed stand-in for the agent daemon. Tests
// mutate its state between ticks; the control plane talks to it over real
// HTTP through the worker client.
type simWorker struct {
	t      *testing.T
	server *httptest.Server

	mu sync.Mutex

	// Failing makes every endpoint answer 500, simulating a dead machine.
	failing bool

	sharedKey string

	ready         bool
	blockingIDs   []string
	contextUsage  *worker.ContextUsage
	conversations []worker.ConversationMessage

	gitDirty   bool
	commitSHA  string
	gitHistory worker.GitHistory

	automationEvents  []worker.AutomationEventReport
	automationActions []worker.AutomationAction
	contextEvents     []worker.ContextEventReport

	startReq   *worker.StartRequest
	prompts    []promptCall
	interrupts int
	pushes     int
	executed   [][]worker.AutomationSpec
}

type promptCall struct {
	Text  string
	Model string
}

func newSimWorker(t *testing.T, sharedKey string) *simWorker {
	t.Helper()
	w := &simWorker{t: t, sharedKey: sharedKey, ready: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", w.handleHealth)
	mux.HandleFunc("/start", w.envelopeHandler(func(body []byte) {
		var req worker.StartRequest
		_ = json.Unmarshal(body, &req)
		w.startReq = &req
	}))
	mux.HandleFunc("/restore-git-history", w.envelopeHandler(nil))
	mux.HandleFunc("/prompt", w.envelopeHandler(func(body []byte) {
		var req struct {
			Prompt string `json:"prompt"`
			Model  string `json:"model"`
		}
		_ = json.Unmarshal(body, &req)
		w.prompts = append(w.prompts, promptCall{Text: req.Prompt, Model: req.Model})
		w.ready = false
	}))
	mux.HandleFunc("/interrupt", w.envelopeHandler(func([]byte) { w.interrupts++ }))
	mux.HandleFunc("/reset", w.envelopeHandler(nil))
	mux.HandleFunc("/claude-state", w.handleClaudeState)
	mux.HandleFunc("/conversations", w.handleConversations)
	mux.HandleFunc("/git-history", w.handleGitHistory)
	mux.HandleFunc("/git-status", w.handleGitStatus)
	mux.HandleFunc("/git-commit-and-return", w.handleCommit)
	mux.HandleFunc("/git-push", w.envelopeHandler(func([]byte) { w.pushes++ }))
	mux.HandleFunc("/execute-automations", w.handleExecuteAutomations)
	mux.HandleFunc("/poll-automation-events", w.handlePollAutomationEvents)
	mux.HandleFunc("/poll-automation-actions", w.handlePollAutomationActions)
	mux.HandleFunc("/poll-context-events", w.handlePollContextEvents)
	mux.HandleFunc("/update-environment", w.envelopeHandler(nil))
	mux.HandleFunc("/update-credentials", w.envelopeHandler(nil))
	mux.HandleFunc("/update-github-token", w.envelopeHandler(nil))
	mux.HandleFunc("/update-ariana-token", w.envelopeHandler(nil))
	mux.HandleFunc("/rename-branch-from-prompt", func(rw http.ResponseWriter, r *http.Request) {
		w.writeJSON(rw, map[string]interface{}{"success": true, "branch_name": "ariana/renamed"})
	})
	mux.HandleFunc("/generate-task-summary", func(rw http.ResponseWriter, r *http.Request) {
		w.writeJSON(rw, map[string]interface{}{"success": true, "summary": "simulated task"})
	})

	w.server = httptest.NewServer(w.authenticated(mux))
	t.Cleanup(w.server.Close)
	return w
}

// Addr returns the host and port the worker client should dial.
func (w *simWorker) Addr() (string, int) {
	host, portStr, err := net.SplitHostPort(w.server.Listener.Addr().String())
	require.NoError(w.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(w.t, err)
	return host, port
}

func (w *simWorker) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		failing := w.failing
		key := w.sharedKey
		w.mu.Unlock()
		if failing {
			http.Error(rw, "machine gone", http.StatusInternalServerError)
			return
		}
		if got := r.Header.Get(worker.SharedKeyHeader); got != key {
			http.Error(rw, "bad shared key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (w *simWorker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

func (w *simWorker) envelopeHandler(record func(body []byte)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		if record != nil {
			record(body)
		}
		w.mu.Unlock()
		w.writeJSON(rw, map[string]interface{}{"success": true})
	}
}

func (w *simWorker) handleClaudeState(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	state := map[string]interface{}{
		"success":                 true,
		"is_ready":                w.ready,
		"has_blocking_automation": len(w.blockingIDs) > 0,
		"blocking_automation_ids": w.blockingIDs,
	}
	if w.contextUsage != nil {
		state["context_usage"] = w.contextUsage
	}
	w.mu.Unlock()
	w.writeJSON(rw, state)
}

func (w *simWorker) handleConversations(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	msgs := append([]worker.ConversationMessage(nil), w.conversations...)
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{"success": true, "messages": msgs})
}

func (w *simWorker) handleGitHistory(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	history := w.gitHistory
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{
		"success":           true,
		"commits":           history.Commits,
		"branch_name":       history.BranchName,
		"uncommitted_patch": history.UncommittedPatch,
		"full_fetch":        history.FullFetch,
	})
}

func (w *simWorker) handleGitStatus(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	dirty := w.gitDirty
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{"success": true, "has_uncommitted_changes": dirty})
}

func (w *simWorker) handleCommit(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	sha := w.commitSHA
	w.gitDirty = false
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{
		"success":      true,
		"commit_sha":   sha,
		"commit_url":   "https://github.test/commit/" + sha,
		"committed_at": time.Now().UTC(),
	})
}

func (w *simWorker) handleExecuteAutomations(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Automations []worker.AutomationSpec `json:"automations"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	ids := make([]string, 0, len(req.Automations))
	for _, spec := range req.Automations {
		ids = append(ids, spec.ID)
	}
	w.mu.Lock()
	w.executed = append(w.executed, req.Automations)
	// A real worker reports accepted blocking automations through
	// /claude-state until they finish.
	for _, spec := range req.Automations {
		if spec.Blocking {
			w.blockingIDs = append(w.blockingIDs, spec.ID)
		}
	}
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{"success": true, "executed_ids": ids})
}

func (w *simWorker) handlePollAutomationEvents(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	events := w.automationEvents
	w.automationEvents = nil
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{"success": true, "events": events})
}

func (w *simWorker) handlePollAutomationActions(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	actions := w.automationActions
	w.automationActions = nil
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{"success": true, "actions": actions})
}

func (w *simWorker) handlePollContextEvents(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	events := w.contextEvents
	w.contextEvents = nil
	w.mu.Unlock()
	w.writeJSON(rw, map[string]interface{}{"success": true, "events": events})
}

func (w *simWorker) writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		w.t.Errorf("encode sim worker response: %v", err)
	}
}

// setReady flips the session readiness, optionally appending an assistant
// turn so the agent does not look ghosted.
func (w *simWorker) setReady(ready bool, assistantContent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ready = ready
	if assistantContent != "" {
		w.conversations = append(w.conversations, worker.ConversationMessage{
			UUID:      "sim-" + strconv.Itoa(len(w.conversations)),
			Role:      "assistant",
			Content:   assistantContent,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (w *simWorker) setGit(dirty bool, nextSHA string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gitDirty = dirty
	w.commitSHA = nextSHA
}

func (w *simWorker) setBlocking(ids ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blockingIDs = ids
}

func (w *simWorker) setFailing(failing bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing = failing
}

func (w *simWorker) promptCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prompts)
}

func (w *simWorker) lastPrompt() (promptCall, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.prompts) == 0 {
		return promptCall{}, false
	}
	return w.prompts[len(w.prompts)-1], true
}

func (w *simWorker) startRequest() *worker.StartRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startReq
}

func (w *simWorker) executedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.executed)
}
