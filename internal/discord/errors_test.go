package discord

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	unknownMessage := RESTError(discordgo.ErrCodeUnknownMessage, "Unknown Message")
	assert.True(t, IsUnknownMessage(unknownMessage))
	assert.True(t, IsUnknownMessage(fmt.Errorf("delete: %w", unknownMessage)))
	assert.False(t, IsUnknownChannel(unknownMessage))
	assert.True(t, IsGone(unknownMessage))

	missingAccess := RESTError(discordgo.ErrCodeMissingAccess, "Missing Access")
	assert.True(t, IsMissingAccess(missingAccess))
	assert.False(t, IsGone(missingAccess))

	assert.False(t, IsUnknownMessage(errors.New("network down")))
	assert.False(t, HasCode(&discordgo.RESTError{}, discordgo.ErrCodeUnknownMessage))
}
