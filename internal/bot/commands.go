package bot

import "github.com/bwmarrin/discordgo"

// commandPermissions maps each command to the member permission it requires.
// Administrators pass every check.
var commandPermissions = map[string]int64{
	"blacklist":   discordgo.PermissionManageMessages,
	"whitelist":   discordgo.PermissionManageMessages,
	"closeticket": discordgo.PermissionManageThreads,
	"auditroles":  discordgo.PermissionManageRoles,
	"temprole":    discordgo.PermissionManageRoles,
	"bulkrole":    discordgo.PermissionManageRoles,
	"violations":  discordgo.PermissionManageMessages,
	"report":      discordgo.PermissionManageMessages,
	"settings":    discordgo.PermissionManageServer,
}

func hasPermission(granted, required int64) bool {
	if granted&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return granted&required == required
}

func wordListCommand(name, description string) *discordgo.ApplicationCommand {
	word := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "word",
		Description: "Word or phrase",
		Required:    true,
		MaxLength:   100,
	}
	return &discordgo.ApplicationCommand{
		Name:        name,
		Description: description,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: "Add a word",
				Options: []*discordgo.ApplicationCommandOption{
					word,
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "reason",
						Description: "Why the word is listed",
						Required:    false,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Remove a word",
				Options:     []*discordgo.ApplicationCommandOption{word},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "view",
				Description: "Show the list",
			},
		},
	}
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	roleOption := func(name, description string, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        name,
			Description: description,
			Required:    required,
		}
	}
	userOption := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        name,
			Description: description,
			Required:    true,
		}
	}
	commands := []*discordgo.ApplicationCommand{
		wordListCommand("blacklist", "Manage blacklisted words"),
		wordListCommand("whitelist", "Manage whitelisted words"),
		{
			Name:        "closeticket",
			Description: "Close the ticket in this thread",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Reason shown to the member",
					Required:    false,
				},
			},
		},
		{
			Name:        "auditroles",
			Description: "Reconcile bot mutes and timed roles; hand-applied mute roles are only counted",
		},
		{
			Name:        "temprole",
			Description: "Manage roles that expire",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "grant",
					Description: "Grant a role that expires",
					Options: []*discordgo.ApplicationCommandOption{
						userOption("user", "Member to receive the role"),
						roleOption("role", "Role to grant", true),
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "minutes",
							Description: "Minutes until the role is removed",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "Show timed roles in this server",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "revoke",
					Description: "Remove a timed role now",
					Options: []*discordgo.ApplicationCommandOption{
						userOption("user", "Member holding the role"),
						roleOption("role", "Timed role to remove", true),
					},
				},
			},
		},
		{
			Name:        "violations",
			Description: "Inspect or clear a member's violation count",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "view",
					Description: "Show current and severe counts",
					Options:     []*discordgo.ApplicationCommandOption{userOption("user", "Member to inspect")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reset",
					Description: "Clear the ordinary count; severe history is kept",
					Options:     []*discordgo.ApplicationCommandOption{userOption("user", "Member to reset")},
				},
			},
		},
		{
			Name:        "bulkrole",
			Description: "Add or remove a role for many members",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Add a role to every member (or every member with filter_role)",
					Options: []*discordgo.ApplicationCommandOption{
						roleOption("role", "Role to add", true),
						roleOption("filter_role", "Only members with this role", false),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Remove a role from its holders (optionally only those with filter_role)",
					Options: []*discordgo.ApplicationCommandOption{
						roleOption("role", "Role to remove", true),
						roleOption("filter_role", "Only members with this role", false),
					},
				},
			},
		},
		{
			Name:        "report",
			Description: "Moderation activity report",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "period",
					Description: "day or week",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "day", Value: "day"},
						{Name: "week", Value: "week"},
					},
				},
			},
		},
		{
			Name:        "settings",
			Description: "View or change guild settings",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "view",
					Description: "Show current settings",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "modlog",
					Description: "Set the mod-log channel",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionChannel,
							Name:         "channel",
							Description:  "Channel for moderation logs",
							Required:     true,
							ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "mutedrole",
					Description: "Set the role used for mutes",
					Options: []*discordgo.ApplicationCommandOption{
						roleOption("role", "Muted role", true),
					},
				},
			},
		},
	}

	for _, cmd := range commands {
		perm := commandPermissions[cmd.Name]
		cmd.DefaultMemberPermissions = &perm
	}
	return commands
}

// registerCommands syncs the command set: edits existing ones, creates missing
// ones and deletes commands no longer defined.
func (b *Bot) registerCommands() error {
	commands := commandDefinitions()
	appID := b.session.State.User.ID
	guildID := b.cfg.GuildID

	existing, err := b.session.ApplicationCommands(appID, guildID)
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, guildID, cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, guildID, current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, guildID, cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, guildID, cmd.ID)
	}
	return nil
}
