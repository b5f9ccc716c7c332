package bot

import (
	"context"
	"fmt"
	"strconv"

	"treasury/events"
	"treasury/metrics"
	"treasury/models"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MessagePoster sends embeds to a channel; satisfied by *discordgo.Session
type MessagePoster interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SettingsProvider resolves a guild's stored settings
type SettingsProvider interface {
	GetSettings(ctx context.Context, guildID int64) (*models.GuildSettings, error)
}

// NotifierConfig holds notifier configuration
type NotifierConfig struct {
	FallbackChannelID string  // Used when a guild has no channel configured
	MessagesPerSecond float64 // Sustained send rate
	Burst             int
}

// Notifier posts ledger and governance outcomes to each guild's notification channel
type Notifier struct {
	poster   MessagePoster
	settings SettingsProvider
	config   NotifierConfig
	limiter  *rate.Limiter
}

// NewNotifier creates a notifier
func NewNotifier(poster MessagePoster, settings SettingsProvider, config NotifierConfig) *Notifier {
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = 1
	}
	if config.Burst <= 0 {
		config.Burst = 5
	}
	return &Notifier{
		poster:   poster,
		settings: settings,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.MessagesPerSecond), config.Burst),
	}
}

// NewDiscordSession opens a bot session used only for posting
func NewDiscordSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("error opening connection: %w", err)
	}
	return dg, nil
}

// Notify posts an embed for event to its guild's channel.
// Events without a renderer, and guilds without a channel, are skipped.
func (n *Notifier) Notify(ctx context.Context, event events.Event) error {
	guildID, embed := n.render(event)
	if embed == nil {
		return nil
	}

	channelID, err := n.channelFor(ctx, guildID)
	if err != nil {
		return err
	}
	if channelID == "" {
		log.WithFields(log.Fields{
			"guild_id":  guildID,
			"eventType": event.Type(),
		}).Debug("No notification channel configured; skipping")
		return nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limiter: %w", err)
	}

	_, err = n.poster.ChannelMessageSendEmbed(channelID, embed)
	metrics.RecordNotification(string(event.Type()), err)
	if err != nil {
		return fmt.Errorf("failed to post %s notification to channel %s: %w", event.Type(), channelID, err)
	}

	log.WithFields(log.Fields{
		"guild_id":   guildID,
		"channel_id": channelID,
		"eventType":  event.Type(),
		"key":        event.Key(),
	}).Debug("Posted notification")
	return nil
}

func (n *Notifier) render(event events.Event) (int64, *discordgo.MessageEmbed) {
	switch e := event.(type) {
	case events.ProposalStatusChangedEvent:
		return e.GuildID, proposalStatusEmbed(e)
	case events.ProposalReminderEvent:
		return e.GuildID, proposalReminderEmbed(e)
	case events.PendingTransferChangedEvent:
		if !models.PendingTransferStatus(e.NewStatus).IsTerminal() {
			return e.GuildID, nil
		}
		return e.GuildID, pendingTransferEmbed(e)
	default:
		return 0, nil
	}
}

func (n *Notifier) channelFor(ctx context.Context, guildID int64) (string, error) {
	settings, err := n.settings.GetSettings(ctx, guildID)
	if err != nil {
		return "", fmt.Errorf("failed to load settings for guild %d: %w", guildID, err)
	}
	if settings != nil && settings.HasNotifyChannel() {
		return strconv.FormatInt(*settings.NotifyChannelID, 10), nil
	}
	return n.config.FallbackChannelID, nil
}
