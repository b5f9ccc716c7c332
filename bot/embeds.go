package bot

import (
	"fmt"
	"strings"
	"time"

	"treasury/bot/common"
	"treasury/events"
	"treasury/models"

	"github.com/bwmarrin/discordgo"
)

const (
	colorGold   = 0xFFD700
	colorGreen  = 0x2ECC71
	colorRed    = 0xE74C3C
	colorGrey   = 0x95A5A6
	colorPurple = 0x9B59B6
)

// proposalStatusEmbed announces a proposal state change
func proposalStatusEmbed(e events.ProposalStatusChangedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Proposal #%d", e.ProposalID),
		Description: fmt.Sprintf("**%s bits** from the treasury", common.FormatBalance(e.Amount)),
		Color:       colorGold,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Proposal ID: %d", e.ProposalID),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	switch models.ProposalStatus(e.NewStatus) {
	case models.ProposalStatusOpen:
		embed.Description += "\nVoting is **open**."
	case models.ProposalStatusApproved:
		embed.Color = colorGreen
		embed.Description += "\n**APPROVED** by the council. Executing transfer."
	case models.ProposalStatusExecuted:
		embed.Color = colorPurple
		embed.Description += "\n**EXECUTED**"
		if e.ExecutionTxID != nil {
			embed.Footer.Text += fmt.Sprintf(" | Transaction %d", *e.ExecutionTxID)
		}
	case models.ProposalStatusRejected:
		embed.Color = colorRed
		embed.Description += "\n**REJECTED** by the council."
	case models.ProposalStatusExpired:
		embed.Color = colorGrey
		embed.Description += "\n**EXPIRED** without reaching a decision."
	case models.ProposalStatusWithdrawn:
		embed.Color = colorGrey
		embed.Description += "\n**WITHDRAWN** by its proposer."
	case models.ProposalStatusExecutionFailed:
		embed.Color = colorRed
		embed.Description += "\n**EXECUTION FAILED**"
		if e.ExecutionError != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Reason",
				Value: common.Truncate(e.ExecutionError, 1024),
			})
		}
	}
	return embed
}

// proposalReminderEmbed nudges the council members who have not voted
func proposalReminderEmbed(e events.ProposalReminderEvent) *discordgo.MessageEmbed {
	pending := "*Everyone has voted*"
	if len(e.PendingVoters) > 0 {
		pending = common.Truncate(common.FormatMentions(e.PendingVoters), 1024)
	}

	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Proposal #%d closes %s", e.ProposalID, common.FormatDiscordTimestamp(e.DeadlineAt, "R")),
		Description: "Council members who have not voted yet:",
		Color:       colorGold,
		Fields: []*discordgo.MessageEmbedField{
			{Name: fmt.Sprintf("Awaiting %d vote(s)", len(e.PendingVoters)), Value: pending},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Deadline: %s", e.DeadlineAt.UTC().Format("2006-01-02 15:04 MST")),
		},
	}
}

// pendingTransferEmbed reports the outcome of an asynchronous transfer
func pendingTransferEmbed(e events.PendingTransferChangedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Transfer #%d", e.PendingTransferID),
		Description: fmt.Sprintf("%s → %s: **%s bits**",
			common.FormatMention(e.InitiatorID), common.FormatMention(e.TargetID), common.FormatBalance(e.Amount)),
		Color: colorGreen,
	}

	if models.PendingTransferStatus(e.NewStatus) == models.PendingTransferStatusRejected {
		embed.Color = colorRed
		reason := e.Reason
		if reason == "" {
			reason = "rejected"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Rejected",
			Value: common.Truncate(strings.TrimSpace(reason), 1024),
		})
	} else {
		embed.Description += "\n**COMPLETED**"
	}
	return embed
}
