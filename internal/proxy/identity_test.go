package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRecipient(t *testing.T) {
	agent, team := parseRecipient("reviewer@backend")
	assert.Equal(t, "reviewer", agent)
	assert.Equal(t, "backend", team)

	agent, team = parseRecipient("reviewer")
	assert.Equal(t, "reviewer", agent)
	assert.Equal(t, "", team)
}

func TestResolveIdentity(t *testing.T) {
	assert.Equal(t, "explicit", resolveIdentity("explicit", "default"))
	assert.Equal(t, "default", resolveIdentity("", "default"))
}

func TestResolveTeam(t *testing.T) {
	assert.Equal(t, "explicit", resolveTeam("explicit", "default"))
	assert.Equal(t, "default", resolveTeam("", "default"))
}
