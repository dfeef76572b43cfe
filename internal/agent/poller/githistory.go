package poller

import (
	"context"
	"fmt"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
)

// ingestGitHistory mirrors the worker's branch history into the commits
// table. Commits are never hard-deleted: an unpushed commit missing from a
// fetch, a pushed commit missing from a full fetch, or a commit an amend
// replaced is only flagged deleted.
func (p *Poller) ingestGitHistory(ctx context.Context, agent *models.Agent) (added, modified []string, err error) {
	if p.throttled("githistory:"+agent.ID, p.cfg.GitHistoryInterval()) {
		return nil, nil, nil
	}

	gitCtx, cancel := context.WithTimeout(ctx, constants.GitTimeout)
	history, err := p.worker.GetGitHistory(gitCtx, agent.ID, agent.GitHistoryLastPushedCommitSHA)
	cancel()
	if err != nil {
		return nil, nil, err
	}
	if history == nil {
		return nil, nil, nil
	}

	seen := make(map[string]bool, len(history.Commits))
	lastPushedSHA := ""
	for _, gc := range history.Commits {
		seen[gc.SHA] = true
		if gc.Pushed {
			lastPushedSHA = gc.SHA
		}

		// An amend keeps the author timestamp but changes the SHA; the old
		// commit no longer exists on the branch.
		replaced, err := p.store.FindCommitByAuthorTimestamp(ctx, agent.ID, gc.CommittedAt, gc.SHA)
		if err != nil {
			return added, modified, err
		}
		if replaced != nil && !replaced.IsDeleted {
			if err := p.store.MarkCommitDeleted(ctx, agent.ID, replaced.CommitSHA); err != nil {
				return added, modified, err
			}
			modified = append(modified, replaced.ID)
		}

		existing, err := p.store.GetCommitBySHA(ctx, agent.ID, gc.SHA)
		if err != nil {
			return added, modified, err
		}

		commit := &models.Commit{
			AgentID:       agent.ID,
			CommitSHA:     gc.SHA,
			BranchName:    gc.BranchName,
			CommitMessage: gc.Message,
			FilesChanged:  gc.FilesChanged,
			Additions:     gc.Additions,
			Deletions:     gc.Deletions,
			Pushed:        gc.Pushed,
			CommitPatch:   gc.Patch,
			CommittedAt:   gc.CommittedAt,
		}
		if existing != nil {
			commit.ID = existing.ID
			commit.TaskID = existing.TaskID
		} else if taskID, err := p.taskForCommit(ctx, agent, commit); err == nil {
			commit.TaskID = taskID
		}
		if err := p.store.UpsertCommit(ctx, commit); err != nil {
			return added, modified, fmt.Errorf("upsert commit %s: %w", gc.SHA, err)
		}
		if existing == nil {
			added = append(added, commit.ID)
		} else if existing.Pushed != gc.Pushed || existing.IsDeleted {
			modified = append(modified, commit.ID)
		}
	}

	// An incremental fetch still returns every commit after the pushed
	// cutoff, so an unpushed stored commit absent from any fetch was
	// discarded on the worker (reset, rebase). Pushed commits can only be
	// declared gone when the worker returned the whole branch.
	existing, err := p.store.ListCommits(ctx, agent.ID, false)
	if err != nil {
		return added, modified, err
	}
	for _, c := range existing {
		if seen[c.CommitSHA] {
			continue
		}
		if c.Pushed && !history.FullFetch {
			continue
		}
		if err := p.store.MarkCommitDeleted(ctx, agent.ID, c.CommitSHA); err != nil {
			return added, modified, err
		}
		modified = append(modified, c.ID)
	}

	if lastPushedSHA != "" && lastPushedSHA != agent.GitHistoryLastPushedCommitSHA {
		if err := p.store.SetGitHistoryCursor(ctx, agent.ID, lastPushedSHA); err != nil {
			return added, modified, err
		}
	}
	return added, modified, nil
}

// taskForCommit attributes a commit to the prompt most recently started
// before its author timestamp.
func (p *Poller) taskForCommit(ctx context.Context, agent *models.Agent, commit *models.Commit) (string, error) {
	prompt, err := p.store.LatestPromptBefore(ctx, agent.ID, commit.CommittedAt)
	if err != nil || prompt == nil {
		return "", err
	}
	return prompt.ID, nil
}
