package discord

import (
	"errors"

	"github.com/bwmarrin/discordgo"
)

// HasCode reports whether err is a Discord REST error carrying one of codes.
func HasCode(err error, codes ...int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Message == nil {
		return false
	}
	for _, code := range codes {
		if restErr.Message.Code == code {
			return true
		}
	}
	return false
}

func IsUnknownMessage(err error) bool {
	return HasCode(err, discordgo.ErrCodeUnknownMessage)
}

func IsUnknownChannel(err error) bool {
	return HasCode(err, discordgo.ErrCodeUnknownChannel)
}

func IsMissingAccess(err error) bool {
	return HasCode(err, discordgo.ErrCodeMissingAccess)
}

func IsUnknownMember(err error) bool {
	return HasCode(err, discordgo.ErrCodeUnknownMember)
}

// IsGone covers the "already deleted / no longer reachable" race class.
func IsGone(err error) bool {
	return HasCode(err, discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMember)
}

// RESTError builds an error shaped like the ones the REST client returns; fakes use it.
func RESTError(code int, message string) error {
	return &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: code, Message: message}}
}
