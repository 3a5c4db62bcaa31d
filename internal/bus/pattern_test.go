package bus

import "testing"

import "github.com/stretchr/testify/assert"

func TestTopicMatchesLiteral(t *testing.T) {
	assert.True(t, topicMatches("agent.status", "agent.status"))
	assert.False(t, topicMatches("agent.status", "agent.health"))
}

func TestTopicMatchesStarWildcardSingleToken(t *testing.T) {
	assert.True(t, topicMatches("agent.status", "agent.*"))
	assert.False(t, topicMatches("agent.status.changed", "agent.*"), "* should not cross a token boundary")
}

func TestTopicMatchesBareStarMatchesEverything(t *testing.T) {
	assert.True(t, topicMatches("anything.at.all", "*"))
	assert.True(t, topicMatches("", "*"))
}

func TestTopicMatchesGreaterThanMatchesRemainder(t *testing.T) {
	assert.True(t, topicMatches("agent.status.changed", "agent.>"))
	assert.True(t, topicMatches("agent.status", "agent.>"))
	assert.False(t, topicMatches("other.status", "agent.>"))
}
