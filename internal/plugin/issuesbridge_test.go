package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/inbox"
)

type fakeIssueProvider struct {
	issues   []Issue
	comments []string
	postErr  error
}

func (f *fakeIssueProvider) FetchRecent(ctx context.Context) ([]Issue, error) {
	return f.issues, nil
}

func (f *fakeIssueProvider) PostComment(ctx context.Context, issueNumber int, body string) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.comments = append(f.comments, body)
	return nil
}

func TestIssuesBridgePlugin_PollOnceDeliversMailWithStableMessageID(t *testing.T) {
	pctx := newTestPluginContext(t)
	provider := &fakeIssueProvider{issues: []Issue{{Number: 42, Title: "bug", Body: "it broke", UpdatedAt: "2026-01-01T00:00:00Z"}}}
	cfg := config.IssuesBridgeConfig{BotIdentity: "issues-bot"}
	p := NewIssuesBridgePlugin(cfg, "team1", provider)
	p.pctx = pctx

	require.NoError(t, p.pollOnce(context.Background()))

	msgs, err := pctx.Mail.Load("team1", "issues-bot")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "issue-42-2026-01-01T00:00:00Z", msgs[0].MessageID)
	assert.Contains(t, msgs[0].Text, "bug")

	// Re-polling the same unchanged issue must not duplicate the message.
	require.NoError(t, p.pollOnce(context.Background()))
	msgs, err = pctx.Mail.Load("team1", "issues-bot")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestIssuesBridgePlugin_HandleMessagePostsReply(t *testing.T) {
	provider := &fakeIssueProvider{}
	cfg := config.IssuesBridgeConfig{BotIdentity: "issues-bot"}
	p := NewIssuesBridgePlugin(cfg, "team1", provider)

	msg := inbox.Message{From: "alice", Text: "[issue:42] fixed in commit abc123"}
	require.NoError(t, p.HandleMessage(context.Background(), msg))

	require.Len(t, provider.comments, 1)
	assert.Equal(t, "fixed in commit abc123", provider.comments[0])
}

func TestIssuesBridgePlugin_HandleMessageRefusesOwnMessages(t *testing.T) {
	provider := &fakeIssueProvider{}
	cfg := config.IssuesBridgeConfig{BotIdentity: "issues-bot"}
	p := NewIssuesBridgePlugin(cfg, "team1", provider)

	msg := inbox.Message{From: "issues-bot", Text: "[issue:42] loopback"}
	require.NoError(t, p.HandleMessage(context.Background(), msg))
	assert.Empty(t, provider.comments)
}

func TestIssuesBridgePlugin_HandleMessageSkipsByteIdenticalRepeat(t *testing.T) {
	provider := &fakeIssueProvider{}
	cfg := config.IssuesBridgeConfig{BotIdentity: "issues-bot"}
	p := NewIssuesBridgePlugin(cfg, "team1", provider)

	msg := inbox.Message{From: "alice", Text: "[issue:7] same body"}
	require.NoError(t, p.HandleMessage(context.Background(), msg))
	require.NoError(t, p.HandleMessage(context.Background(), msg))

	assert.Len(t, provider.comments, 1, "byte-identical repeat must be suppressed (loop guard)")
}

func TestIssuesBridgePlugin_HandleMessageIgnoresNonReplyText(t *testing.T) {
	provider := &fakeIssueProvider{}
	cfg := config.IssuesBridgeConfig{BotIdentity: "issues-bot"}
	p := NewIssuesBridgePlugin(cfg, "team1", provider)

	msg := inbox.Message{From: "alice", Text: "just chatting, no issue prefix here"}
	require.NoError(t, p.HandleMessage(context.Background(), msg))
	assert.Empty(t, provider.comments)
}
