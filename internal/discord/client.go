// Package discord narrows *discordgo.Session to the calls the moderation modules make,
// so each module can be tested against a fake.
package discord

import (
	"github.com/bwmarrin/discordgo"
)

type Client struct {
	session *discordgo.Session
}

func New(session *discordgo.Session) *Client {
	return &Client{session: session}
}

func (c *Client) Session() *discordgo.Session {
	return c.session
}

// BotID is empty until the gateway is ready.
func (c *Client) BotID() string {
	if c.session == nil || c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

func (c *Client) SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	return c.session.ChannelMessageSendComplex(channelID, msg)
}

func (c *Client) DeleteMessage(channelID, messageID string) error {
	return c.session.ChannelMessageDelete(channelID, messageID)
}

func (c *Client) Messages(channelID string, limit int) ([]*discordgo.Message, error) {
	return c.session.ChannelMessages(channelID, limit, "", "", "")
}

func (c *Client) Member(guildID, userID string) (*discordgo.Member, error) {
	if c.session.State != nil {
		if member, err := c.session.State.Member(guildID, userID); err == nil && member != nil {
			return member, nil
		}
	}
	return c.session.GuildMember(guildID, userID)
}

func (c *Client) Members(guildID, after string, limit int) ([]*discordgo.Member, error) {
	return c.session.GuildMembers(guildID, after, limit)
}

func (c *Client) Roles(guildID string) ([]*discordgo.Role, error) {
	return c.session.GuildRoles(guildID)
}

func (c *Client) AddRole(guildID, userID, roleID string) error {
	return c.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (c *Client) RemoveRole(guildID, userID, roleID string) error {
	return c.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (c *Client) Channel(channelID string) (*discordgo.Channel, error) {
	return c.session.Channel(channelID)
}

func (c *Client) StartThread(channelID, name string) (*discordgo.Channel, error) {
	return c.session.ThreadStartComplex(channelID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 10080,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	})
}

func (c *Client) EditChannel(channelID string, edit *discordgo.ChannelEdit) (*discordgo.Channel, error) {
	return c.session.ChannelEditComplex(channelID, edit)
}

func (c *Client) DMChannel(userID string) (*discordgo.Channel, error) {
	return c.session.UserChannelCreate(userID)
}

// SendDM opens (or reuses) the DM channel and sends msg to it.
func (c *Client) SendDM(userID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	channel, err := c.DMChannel(userID)
	if err != nil {
		return nil, err
	}
	return c.SendMessage(channel.ID, msg)
}
