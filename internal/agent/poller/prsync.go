package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/githost"
)

// syncPullRequest keeps the agent's PR pointer current: state refresh when
// a PR is already tracked, discovery by branch when none is. Throttled per
// agent since git-host rate limits are shared across all agents of a user.
func (p *Poller) syncPullRequest(ctx context.Context, agent *models.Agent) error {
	if p.githost == nil || agent.RepoFullName == "" {
		return nil
	}
	if p.throttled("prsync:"+agent.ID, p.cfg.PRSyncInterval()) {
		return nil
	}

	var pr *githost.PullRequest
	var err error
	if agent.PRNumber != nil {
		pr, err = p.githost.GetPullRequestState(ctx, agent.UserID, agent.RepoFullName, *agent.PRNumber)
	} else {
		pr, err = p.githost.FindLatestPRForBranch(ctx, agent.UserID, agent.RepoFullName, agent.BranchName)
	}
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}
	if agent.PRNumber != nil && *agent.PRNumber == pr.Number && agent.PRState == pr.State {
		return nil
	}

	now := time.Now().UTC()
	if err := p.store.UpdatePullRequest(ctx, agent.ID, &pr.Number, pr.State, pr.BaseBranch, now); err != nil {
		return err
	}
	p.logger.WithAgentID(agent.ID).Info("pull request synced",
		zap.Int("number", pr.Number),
		zap.String("state", string(pr.State)),
	)
	event := bus.NewEvent(events.PullRequestSynced, "agent-poller", map[string]interface{}{
		"agent_id": agent.ID,
		"number":   pr.Number,
		"state":    string(pr.State),
	})
	if err := p.eventBus.Publish(context.Background(), events.BuildAgentEventsSubject(agent.ID), event); err != nil {
		p.logger.Warn("publish pull request synced", zap.Error(err))
	}
	return nil
}
