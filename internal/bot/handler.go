package bot

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
)

// Handler holds dependencies for the Telegram bot handlers.
type Handler struct {
	bot      *tgbot.Bot
	commands *Commands
	log      logrus.FieldLogger
}

// NewHandler creates a new bot handler instance.
func NewHandler(token string, p Pipeline, logger logrus.FieldLogger) (*Handler, error) {
	log := logger.WithField("component", "bot_handler")

	h := &Handler{
		commands: NewCommands(p, log),
		log:      log,
	}

	// Anything no command matched goes to the default handler
	b, err := tgbot.New(token, tgbot.WithDefaultHandler(h.defaultHandler))
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	h.bot = b

	// Register command handlers
	h.registerHandlers()

	log.Info("Telegram bot handler initialized")
	return h, nil
}

// registerHandlers sets up the command and message handlers.
func (h *Handler) registerHandlers() {
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, h.startHandler)
	for _, cmd := range commandNames {
		h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, cmd, tgbot.MatchTypePrefix, h.commandHandler)
	}
	h.log.WithField("commands", len(commandNames)+1).Info("Registered command handlers")
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
}

// startHandler handles the /start command.
func (h *Handler) startHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	log := h.log.WithFields(logrus.Fields{
		"user_id": update.Message.From.ID,
		"command": "/start",
	})
	log.Info("Received /start command")
	h.send(ctx, b, update, welcomeMessage, log)
}

// commandHandler runs a pipeline command and replies with its outcome.
func (h *Handler) commandHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	log := h.log.WithField("user_id", update.Message.From.ID)
	reply := h.commands.Run(ctx, update.Message.From.ID, update.Message.Text)
	h.send(ctx, b, update, reply, log)
}

// defaultHandler treats a bare link as /pitch and ignores other chatter.
func (h *Handler) defaultHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	log := h.log.WithFields(logrus.Fields{
		"user_id": update.Message.From.ID,
		"text":    update.Message.Text,
	})
	if !looksLikeURL(update.Message.Text) {
		log.Debug("Received unhandled message (default handler)")
		return
	}
	reply := h.commands.Run(ctx, update.Message.From.ID, "/pitch "+update.Message.Text)
	h.send(ctx, b, update, reply, log)
}

func (h *Handler) send(ctx context.Context, b *tgbot.Bot, update *models.Update, text string, log logrus.FieldLogger) {
	_, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   text,
	})
	if err != nil {
		log.WithError(err).Error("Failed to send reply")
	}
}
