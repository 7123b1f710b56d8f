package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/cooldown"
	"warden/internal/modules/audit"
	"warden/internal/modules/filter"
	"warden/internal/modules/tickets"
	"warden/internal/modules/timedroles"
	"warden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Message == nil || msg.Author == nil || msg.Author.Bot {
		return
	}
	ctx := context.Background()

	if msg.GuildID == "" {
		b.handleDM(ctx, msg.Message)
		return
	}
	if b.relay.IsTicketThread(msg.ChannelID) {
		if _, err := b.relay.HandleStaffMessage(ctx, tickets.FromDiscord(msg.Message)); err != nil {
			b.logger.Warn("staff relay failed", zap.String("thread_id", msg.ChannelID), zap.Error(err))
		}
		return
	}
	b.filter.Check(ctx, filter.FromDiscord(msg.Message))
}

func (b *Bot) onMessageUpdate(session *discordgo.Session, msg *discordgo.MessageUpdate) {
	if msg.Message == nil || msg.Author == nil || msg.Author.Bot || msg.GuildID == "" {
		return
	}
	if b.relay.IsTicketThread(msg.ChannelID) {
		return
	}
	b.filter.Check(context.Background(), filter.FromDiscord(msg.Message))
}

func (b *Bot) handleDM(ctx context.Context, msg *discordgo.Message) {
	if b.relay.State(msg.Author.ID) == tickets.StateNoTicket && b.relay.IsTrigger(msg.Content) {
		ok, remaining, err := b.cooldowns.Acquire(ctx, cooldown.Key("ticket", msg.Author.ID), time.Duration(b.cfg.Cooldowns.TicketSeconds)*time.Second)
		if err != nil {
			b.logger.Warn("ticket cooldown check failed", zap.Error(err))
		} else if !ok {
			if _, err := b.client.SendDM(msg.Author.ID, &discordgo.MessageSend{Content: ticketCooldownText(remaining)}); err != nil {
				b.logger.Debug("ticket cooldown notice failed", zap.String("user_id", msg.Author.ID), zap.Error(err))
			}
			return
		}
	}
	outcome, err := b.relay.HandleDM(ctx, tickets.FromDiscord(msg))
	if err != nil {
		b.logger.Warn("dm relay failed", zap.String("user_id", msg.Author.ID), zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

func ticketCooldownText(remaining time.Duration) string {
	return fmt.Sprintf("Please wait %ds before requesting another ticket.", int(remaining.Seconds()+0.999))
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil {
		return
	}
	b.relay.ThreadDeleted(context.Background(), event.Channel.ID)
}

func (b *Bot) onThreadDelete(session *discordgo.Session, event *discordgo.ThreadDelete) {
	if event.Channel == nil {
		return
	}
	b.relay.ThreadDeleted(context.Background(), event.Channel.ID)
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if interaction.GuildID == "" || interaction.Member == nil || interaction.Member.User == nil {
		b.respond(session, interaction, "Commands only work inside the server.", true)
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()
	required, ok := commandPermissions[data.Name]
	if !ok {
		return
	}
	if !hasPermission(interaction.Member.Permissions, required) {
		b.respond(session, interaction, "You do not have permission to use this command.", true)
		return
	}

	userID := interaction.Member.User.ID
	ok, remaining, err := b.cooldowns.Acquire(ctx, cooldown.Key("cmd", data.Name, userID), time.Duration(b.cfg.Cooldowns.CommandSeconds)*time.Second)
	if err != nil {
		b.logger.Warn("command cooldown check failed", zap.String("command", data.Name), zap.Error(err))
	} else if !ok {
		b.respond(session, interaction, fmt.Sprintf("Slow down, try again in %ds.", int(remaining.Seconds()+0.999)), true)
		return
	}

	switch data.Name {
	case "blacklist":
		b.handleWordCommand(ctx, session, interaction, storage.Blacklist, data.Options)
	case "whitelist":
		b.handleWordCommand(ctx, session, interaction, storage.Whitelist, data.Options)
	case "closeticket":
		b.handleCloseTicket(ctx, session, interaction, data.Options)
	case "auditroles":
		b.handleAuditRoles(ctx, session, interaction)
	case "temprole":
		b.handleTempRole(ctx, session, interaction, data.Options)
	case "bulkrole":
		b.handleBulkRole(ctx, session, interaction, data.Options)
	case "violations":
		b.handleViolations(ctx, session, interaction, data.Options)
	case "report":
		b.handleReport(ctx, session, interaction, data.Options)
	case "settings":
		b.handleSettings(ctx, session, interaction, data.Options)
	}
}

func (b *Bot) handleWordCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, list storage.WordList, options []*discordgo.ApplicationCommandInteractionDataOption) {
	title := strings.ToUpper(string(list[:1])) + string(list[1:])
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed(title, "Choose add, remove or view.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	sub := options[0]
	args := optionMap(sub.Options)
	moderatorID := interaction.Member.User.ID

	switch sub.Name {
	case "add":
		word := args["word"].StringValue()
		reason := ""
		if opt, ok := args["reason"]; ok {
			reason = opt.StringValue()
		}
		entry, err := b.words.Add(ctx, list, word, moderatorID, reason)
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			b.respondEmbed(session, interaction, b.commandEmbed(title, fmt.Sprintf("`%s` is already on the %s.", word, list), b.cfg.Notifications.EmbedColors.Warning, nil), true)
			return
		case err != nil:
			b.logger.Warn("word add failed", zap.String("list", string(list)), zap.Error(err))
			b.respondEmbed(session, interaction, b.commandEmbed(title, "Could not update the list.", b.cfg.Notifications.EmbedColors.Error, nil), true)
			return
		}
		b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, moderatorID, audit.EventWordListChange, fmt.Sprintf("%s add %q (%s)", list, entry.Word, entry.PunishmentID))
		fields := []*discordgo.MessageEmbedField{
			{Name: "Word", Value: "`" + entry.Word + "`", Inline: true},
			{Name: "Punishment ID", Value: entry.PunishmentID, Inline: true},
		}
		b.respondEmbed(session, interaction, b.commandEmbed(title, "Word added.", b.cfg.Notifications.EmbedColors.Action, fields), true)
	case "remove":
		word := args["word"].StringValue()
		err := b.words.Remove(ctx, list, word)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			b.respondEmbed(session, interaction, b.commandEmbed(title, fmt.Sprintf("`%s` is not on the %s.", word, list), b.cfg.Notifications.EmbedColors.Warning, nil), true)
			return
		case err != nil:
			b.logger.Warn("word remove failed", zap.String("list", string(list)), zap.Error(err))
			b.respondEmbed(session, interaction, b.commandEmbed(title, "Could not update the list.", b.cfg.Notifications.EmbedColors.Error, nil), true)
			return
		}
		b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, moderatorID, audit.EventWordListChange, fmt.Sprintf("%s remove %q", list, word))
		b.respondEmbed(session, interaction, b.commandEmbed(title, fmt.Sprintf("`%s` removed.", word), b.cfg.Notifications.EmbedColors.Action, nil), true)
	case "view":
		words := b.words.Blacklist()
		if list == storage.Whitelist {
			words = b.words.Whitelist()
		}
		b.respondEmbed(session, interaction, b.commandEmbed(title, formatWordList(words, 3900), b.cfg.Notifications.EmbedColors.Action, nil), true)
	}
}

func (b *Bot) handleCloseTicket(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	reason := ""
	if opt, ok := optionMap(options)["reason"]; ok {
		reason = opt.StringValue()
	}
	closedBy := interaction.Member.User.ID
	mapping, err := b.relay.Close(ctx, interaction.ChannelID, closedBy, reason)
	switch {
	case errors.Is(err, tickets.ErrNoTicket):
		b.respond(session, interaction, "This is not an open ticket thread.", true)
		return
	case err != nil:
		b.logger.Warn("ticket close failed", zap.String("thread_id", interaction.ChannelID), zap.Error(err))
		b.respond(session, interaction, "Could not close the ticket.", true)
		return
	}
	b.respond(session, interaction, fmt.Sprintf("Ticket for <@%s> closed.", mapping.UserID), true)
}

func (b *Bot) handleAuditRoles(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	b.deferResponse(session, interaction)
	report, err := b.roles.Audit(ctx, interaction.GuildID)
	if err != nil {
		b.logger.Warn("role audit failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.editResponse(session, interaction, b.commandEmbed("Role audit", "The audit could not finish.", b.cfg.Notifications.EmbedColors.Error, nil))
		return
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Active mutes", Value: fmt.Sprint(report.ActiveMutes), Inline: true},
		{Name: "Expired mutes lifted", Value: fmt.Sprint(report.ExpiredMutes), Inline: true},
		{Name: "Stale records closed", Value: fmt.Sprint(report.StaleMutes), Inline: true},
		{Name: "Untracked mute roles removed", Value: fmt.Sprint(report.OrphanedMuteRoles), Inline: true},
		{Name: "Untracked mute roles kept", Value: fmt.Sprint(report.UntrackedMutes), Inline: true},
		{Name: "Timed roles expired", Value: fmt.Sprint(report.ExpiredTimedRoles), Inline: true},
		{Name: "Members scanned", Value: fmt.Sprint(report.MembersScanned), Inline: true},
	}
	if report.Errors > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Errors", Value: fmt.Sprint(report.Errors), Inline: true})
	}
	b.editResponse(session, interaction, b.commandEmbed("Role audit", "Reconciliation finished.", b.cfg.Notifications.EmbedColors.Action, fields))
}

func (b *Bot) handleTempRole(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Choose grant, list or revoke.", true)
		return
	}
	sub := options[0]
	args := optionMap(sub.Options)

	switch sub.Name {
	case "grant":
		userID := optionID(args["user"])
		roleID := optionID(args["role"])
		var minutes int64
		if opt, ok := args["minutes"]; ok {
			minutes = opt.IntValue()
		}
		if userID == "" || roleID == "" || minutes <= 0 {
			b.respond(session, interaction, "A member, a role and a positive duration are required.", true)
			return
		}
		entry, err := b.timed.Grant(ctx, interaction.GuildID, userID, roleID, interaction.Member.User.ID, time.Duration(minutes)*time.Minute)
		if err != nil {
			b.logger.Warn("timed role grant failed", zap.String("user_id", userID), zap.String("role_id", roleID), zap.Error(err))
			b.respond(session, interaction, "Could not grant the role. Check the bot's role position.", true)
			return
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "Member", Value: "<@" + userID + ">", Inline: true},
			{Name: "Role", Value: "<@&" + roleID + ">", Inline: true},
			{Name: "Expires", Value: fmt.Sprintf("<t:%d:R>", entry.ExpiresAt.Unix()), Inline: true},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Timed role", "Role granted.", b.cfg.Notifications.EmbedColors.Action, fields), true)
	case "list":
		b.respondEmbed(session, interaction, b.commandEmbed("Timed roles", formatTimedRoles(b.timed.List(interaction.GuildID), 3900), b.cfg.Notifications.EmbedColors.Action, nil), true)
	case "revoke":
		userID := optionID(args["user"])
		roleID := optionID(args["role"])
		entry, ok := findTimedRole(b.timed.List(interaction.GuildID), userID, roleID)
		if !ok {
			b.respond(session, interaction, "That member has no timed grant of this role.", true)
			return
		}
		err := b.timed.Revoke(ctx, entry.ID, interaction.Member.User.ID)
		switch {
		case errors.Is(err, timedroles.ErrNotFound):
			b.respond(session, interaction, "That timed role already ended.", true)
			return
		case err != nil:
			b.logger.Warn("timed role revoke failed", zap.String("entry_id", entry.ID), zap.Error(err))
			b.respond(session, interaction, "Could not remove the role.", true)
			return
		}
		b.respond(session, interaction, fmt.Sprintf("<@&%s> removed from <@%s>.", roleID, userID), true)
	}
}

func (b *Bot) handleViolations(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Choose view or reset.", true)
		return
	}
	sub := options[0]
	userID := optionID(optionMap(sub.Options)["user"])
	if userID == "" {
		b.respond(session, interaction, "A member is required.", true)
		return
	}

	switch sub.Name {
	case "view":
		record := b.tracker.Current(interaction.GuildID, userID)
		severe, err := b.store.SevereCount(ctx, interaction.GuildID, userID)
		if err != nil {
			b.logger.Warn("severe count lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		last := "never"
		if !record.LastViolation.IsZero() {
			last = fmt.Sprintf("<t:%d:R>", record.LastViolation.Unix())
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "Member", Value: "<@" + userID + ">", Inline: true},
			{Name: "Current count", Value: fmt.Sprint(record.Count), Inline: true},
			{Name: "Severe offenses", Value: fmt.Sprint(severe), Inline: true},
			{Name: "Last violation", Value: last, Inline: true},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Violations", "", b.cfg.Notifications.EmbedColors.Action, fields), true)
	case "reset":
		b.tracker.Reset(interaction.GuildID, userID)
		b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, userID, audit.EventViolationReset, "reset by "+interaction.Member.User.ID)
		b.respond(session, interaction, fmt.Sprintf("Violation count cleared for <@%s>. Severe history is kept.", userID), true)
	}
}

func (b *Bot) handleBulkRole(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Choose add or remove.", true)
		return
	}
	sub := options[0]
	args := optionMap(sub.Options)
	roleID := optionID(args["role"])
	filterRole := optionID(args["filter_role"])
	if roleID == "" {
		b.respond(session, interaction, "A role is required.", true)
		return
	}
	add := sub.Name == "add"

	b.deferResponse(session, interaction)
	var users []string
	if add {
		members, err := b.roles.MembersWithRole(ctx, interaction.GuildID, filterRole)
		if err != nil {
			b.logger.Warn("bulk role member scan failed", zap.Error(err))
			b.editResponse(session, interaction, b.commandEmbed("Bulk role", "Could not list members.", b.cfg.Notifications.EmbedColors.Error, nil))
			return
		}
		users = members
	} else {
		members, err := b.roles.MembersWithRole(ctx, interaction.GuildID, roleID)
		if err != nil {
			b.logger.Warn("bulk role member scan failed", zap.Error(err))
			b.editResponse(session, interaction, b.commandEmbed("Bulk role", "Could not list members.", b.cfg.Notifications.EmbedColors.Error, nil))
			return
		}
		if filterRole != "" {
			filtered, err := b.roles.MembersWithRole(ctx, interaction.GuildID, filterRole)
			if err != nil {
				b.logger.Warn("bulk role member scan failed", zap.Error(err))
				b.editResponse(session, interaction, b.commandEmbed("Bulk role", "Could not list members.", b.cfg.Notifications.EmbedColors.Error, nil))
				return
			}
			members = intersect(members, filtered)
		}
		users = members
	}

	result, err := b.roles.Bulk(ctx, interaction.GuildID, roleID, users, add)
	if err != nil {
		b.logger.Warn("bulk role update interrupted", zap.Error(err))
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Role", Value: "<@&" + roleID + ">", Inline: true},
		{Name: "Updated", Value: fmt.Sprint(result.Succeeded), Inline: true},
		{Name: "Failed", Value: fmt.Sprint(result.Failed), Inline: true},
	}
	b.editResponse(session, interaction, b.commandEmbed("Bulk role", "Bulk "+sub.Name+" finished.", b.cfg.Notifications.EmbedColors.Action, fields))
}

func (b *Bot) handleReport(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	period := "day"
	if opt, ok := optionMap(options)["period"]; ok {
		period = opt.StringValue()
	}
	start := time.Now().Add(-24 * time.Hour)
	if period == "week" {
		start = time.Now().Add(-7 * 24 * time.Hour)
	}
	report, err := b.analytics.Report(ctx, interaction.GuildID, start)
	if err != nil {
		b.logger.Warn("report failed", zap.Error(err))
		b.respond(session, interaction, "Could not build the report.", true)
		return
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Total", Value: fmt.Sprint(report.Total), Inline: true},
		{Name: "Info", Value: fmt.Sprint(report.ByLevel[audit.LevelInfo]), Inline: true},
		{Name: "Warn", Value: fmt.Sprint(report.ByLevel[audit.LevelWarn]), Inline: true},
		{Name: "Crit", Value: fmt.Sprint(report.ByLevel[audit.LevelCrit]), Inline: true},
		{Name: "Mutes", Value: fmt.Sprint(report.ByEvent[audit.EventAutoMute]), Inline: true},
		{Name: "Tickets opened", Value: fmt.Sprint(report.ByEvent[audit.EventTicketOpened]), Inline: true},
	}
	if len(report.TopOffenders) > 0 {
		lines := make([]string, 0, len(report.TopOffenders))
		for _, offender := range report.TopOffenders {
			lines = append(lines, fmt.Sprintf("<@%s> - %d", offender.UserID, offender.Count))
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Top offenders", Value: strings.Join(lines, "\n")})
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Moderation report", "Activity over the last "+period+".", b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) handleSettings(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respond(session, interaction, "Choose view, modlog or mutedrole.", true)
		return
	}
	settings := b.guildSettings(ctx, interaction.GuildID)
	sub := options[0]
	args := optionMap(sub.Options)

	switch sub.Name {
	case "view":
	case "modlog":
		settings.ModLogChannel = optionID(args["channel"])
	case "mutedrole":
		settings.MutedRoleID = optionID(args["role"])
	}
	if sub.Name != "view" {
		if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
			b.logger.Warn("settings update failed", zap.Error(err))
			b.respond(session, interaction, "Could not save the settings.", true)
			return
		}
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Mod log", Value: mentionOr("<#", settings.ModLogChannel), Inline: true},
		{Name: "Muted role", Value: mentionOr("<@&", settings.MutedRoleID), Inline: true},
		{Name: "Ticket channel", Value: mentionOr("<#", settings.TicketChannel), Inline: true},
		{Name: "Retention", Value: fmt.Sprintf("%d days", settings.RetentionDays), Inline: true},
	}
	description := "Current settings."
	if sub.Name != "view" {
		description = "Settings updated."
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Settings", description, b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	b.reply(session, interaction, &discordgo.InteractionResponseData{Content: content}, ephemeral)
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	b.reply(session, interaction, &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}}, ephemeral)
}

func (b *Bot) reply(session *discordgo.Session, interaction *discordgo.InteractionCreate, data *discordgo.InteractionResponseData, ephemeral bool) {
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		b.logger.Warn("interaction response failed", zap.Error(err))
	}
}

// deferResponse acknowledges a slow command; editResponse fills it in later.
func (b *Bot) deferResponse(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.logger.Warn("interaction defer failed", zap.Error(err))
	}
}

func (b *Bot) editResponse(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	embeds := []*discordgo.MessageEmbed{embed}
	if _, err := session.InteractionResponseEdit(interaction.Interaction, &discordgo.WebhookEdit{Embeds: &embeds}); err != nil {
		b.logger.Warn("interaction edit failed", zap.Error(err))
	}
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		out[opt.Name] = opt
	}
	return out
}

// optionID reads a user, role or channel option as a snowflake without a state lookup.
func optionID(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	if opt == nil {
		return ""
	}
	id, _ := opt.Value.(string)
	return id
}

func formatWordList(words []string, limit int) string {
	if len(words) == 0 {
		return "The list is empty."
	}
	var sb strings.Builder
	for i, word := range words {
		line := "`" + word + "`\n"
		if sb.Len()+len(line) > limit {
			fmt.Fprintf(&sb, "…and %d more", len(words)-i)
			break
		}
		sb.WriteString(line)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatTimedRoles(entries []timedroles.Entry, limit int) string {
	if len(entries) == 0 {
		return "No timed roles."
	}
	var sb strings.Builder
	for i, entry := range entries {
		line := fmt.Sprintf("<@%s> <@&%s> expires <t:%d:R>\n", entry.UserID, entry.RoleID, entry.ExpiresAt.Unix())
		if sb.Len()+len(line) > limit {
			fmt.Fprintf(&sb, "…and %d more", len(entries)-i)
			break
		}
		sb.WriteString(line)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func findTimedRole(entries []timedroles.Entry, userID, roleID string) (timedroles.Entry, bool) {
	for _, entry := range entries {
		if entry.UserID == userID && entry.RoleID == roleID {
			return entry, true
		}
	}
	return timedroles.Entry{}, false
}

func mentionOr(prefix, id string) string {
	if id == "" {
		return "not set"
	}
	return prefix + id + ">"
}

func intersect(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, id := range b {
		keep[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
