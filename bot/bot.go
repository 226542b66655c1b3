// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot is the Telegram frontend: it receives voice notes,
// text, photos, and button presses, routes them through the intent
// parser, and relays prompts and permission decisions to the session
// manager.
package bot

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/voxgate/voxgate/agentclient"
	"github.com/voxgate/voxgate/lib/config"
	"github.com/voxgate/voxgate/router"
	"github.com/voxgate/voxgate/session"
)

// telegramAPI is the slice of tgbotapi.BotAPI the bot uses. Tests
// substitute a fake.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
}

// Transcriber turns voice note audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Config configures a Bot.
type Config struct {
	API         telegramAPI
	Manager     *session.Manager
	Transcriber Transcriber
	Settings    *config.Config

	// HTTPClient downloads Telegram files. Defaults to a client with
	// a 60 second timeout.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Bot wires Telegram updates to the session layer.
type Bot struct {
	api         telegramAPI
	manager     *session.Manager
	transcriber Transcriber
	settings    *config.Config
	httpClient  *http.Client
	logger      *slog.Logger

	mu          sync.Mutex
	promptLocks map[int64]*sync.Mutex
	cancels     map[int64]context.CancelFunc
}

// New constructs a Bot.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Bot{
		api:         cfg.API,
		manager:     cfg.Manager,
		transcriber: cfg.Transcriber,
		settings:    cfg.Settings,
		httpClient:  httpClient,
		logger:      logger,
		promptLocks: map[int64]*sync.Mutex{},
		cancels:     map[int64]context.CancelFunc{},
	}
}

// Run polls Telegram for updates until ctx is cancelled. Each update
// is handled on its own goroutine; per-chat prompt serialization
// happens further down, so decisions ("yes", "stop") get through while
// a prompt is running.
func (b *Bot) Run(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := b.api.GetUpdatesChan(updateConfig)

	b.logger.Info("bot polling for updates")
	for {
		select {
		case <-ctx.Done():
			b.manager.Shutdown()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				b.manager.Shutdown()
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}

	message := update.Message
	if message == nil || message.Chat == nil {
		return
	}
	chatID := message.Chat.ID
	if !b.settings.IsAllowed(chatID) {
		b.logger.Debug("ignoring message from disallowed chat", "chat_id", chatID)
		return
	}

	switch {
	case message.IsCommand():
		b.handleCommand(ctx, chatID, message)
	case message.Voice != nil:
		b.handleVoice(ctx, chatID, message)
	case len(message.Photo) > 0:
		b.handlePhoto(ctx, chatID, message)
	case message.Text != "":
		b.logger.Info("text received", "chat_id", chatID, "length", len(message.Text))
		b.handleTranscription(ctx, chatID, message.Text)
	}
}

const startText = "Voice Agent ready. Send a voice or text message to interact with Claude Code.\n\n" +
	"Commands:\n" +
	"- 'status' to check session state\n" +
	"- 'new session' to start fresh\n" +
	"- 'continue' to resume previous session\n" +
	"- 'yes/approve' or 'no/reject' for permission prompts\n" +
	"- 'always approve' to sticky-approve similar tool calls\n" +
	"- 'clear sticky' to reset sticky approvals\n" +
	"- 'escape/stop task/abort' to cancel running task"

func (b *Bot) handleCommand(ctx context.Context, chatID int64, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.reply(chatID, startText)
	case "status":
		b.replyStatus(chatID)
	case "sessions":
		b.replySessions(chatID)
	}
}

func (b *Bot) handleVoice(ctx context.Context, chatID int64, message *tgbotapi.Message) {
	audio, err := b.downloadFile(ctx, message.Voice.FileID)
	if err != nil {
		b.logger.Error("voice download failed", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Failed to download audio: %v", err))
		return
	}
	b.logger.Info("voice downloaded", "chat_id", chatID, "bytes", len(audio))

	text, err := b.transcriber.Transcribe(ctx, audio)
	if err != nil {
		b.logger.Error("transcription failed", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Transcription failed: %v", err))
		return
	}

	// Echo the transcription so the user can see what was understood.
	b.replyHTML(chatID, "<i>"+html.EscapeString(text)+"</i>")
	b.handleTranscription(ctx, chatID, text)
}

// handlePhoto sends a photo (with its caption as the prompt) straight
// to the agent. Photos skip the intent router; there is no photo that
// means "yes".
func (b *Bot) handlePhoto(ctx context.Context, chatID int64, message *tgbotapi.Message) {
	// Telegram sends multiple resolutions; the last is the largest.
	photo := message.Photo[len(message.Photo)-1]
	data, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		b.logger.Error("photo download failed", "chat_id", chatID, "error", err)
		b.reply(chatID, fmt.Sprintf("Failed to download photo: %v", err))
		return
	}

	caption := message.Caption
	if caption == "" {
		caption = "Here is an image."
	}
	b.runPrompt(ctx, chatID, agentclient.Prompt{
		Text:   caption,
		Images: []agentclient.ImageAttachment{{MediaType: "image/jpeg", Data: data}},
	})
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolving file: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := b.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading file: status %d", response.StatusCode)
	}
	return io.ReadAll(response.Body)
}

// reply sends plain text to a chat, logging delivery failures.
func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

// replyHTML sends HTML-formatted text, falling back to plain text if
// Telegram rejects the markup.
func (b *Bot) replyHTML(chatID int64, htmlText string) {
	message := tgbotapi.NewMessage(chatID, htmlText)
	message.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(message); err != nil {
		b.logger.Debug("html reply rejected, sending plain", "chat_id", chatID, "error", err)
		b.reply(chatID, htmlText)
	}
}

func (b *Bot) replyStatus(chatID int64) {
	if status := b.manager.Status(chatID); status != "" {
		b.reply(chatID, status)
	} else {
		b.reply(chatID, "No active session.")
	}
}

func (b *Bot) replySessions(chatID int64) {
	infos := b.manager.ListSessions(chatID)
	if len(infos) == 0 {
		b.reply(chatID, "No sessions.")
		return
	}

	var lines []string
	var buttons []tgbotapi.InlineKeyboardButton
	for _, info := range infos {
		marker := "  "
		if info.IsActive {
			marker = "▶ "
		}
		lines = append(lines, fmt.Sprintf("%s%s (%d messages, %s)", marker, info.Name, info.MessageCount, info.Cwd))
		if !info.IsActive {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(info.Name, "session_switch_"+info.Name))
		}
	}

	message := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	if len(buttons) > 0 {
		message.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons)
	}
	if _, err := b.api.Send(message); err != nil {
		b.logger.Warn("sessions reply failed", "chat_id", chatID, "error", err)
	}
}

// handleTranscription routes parsed text to the matching intent
// handler. Everything the grammar does not claim becomes a prompt.
func (b *Bot) handleTranscription(ctx context.Context, chatID int64, text string) {
	command := router.Parse(text, b.settings.Projects)

	switch command.Intent {
	case router.Approve:
		b.handleApprove(chatID)
	case router.Reject:
		b.handleReject(chatID)
	case router.StickyApprove:
		b.handleStickyApprove(chatID)
	case router.ClearSticky:
		b.handleClearSticky(chatID)
	case router.ListApprovals:
		b.handleListApprovals(chatID)
	case router.Status:
		b.replyStatus(chatID)
	case router.NewSession:
		// A new session always means "main" back in the default
		// directory, even if the chat had switched projects.
		b.manager.Create(chatID, "main", "")
		b.reply(chatID, "Started new session.")
	case router.ContinueSession:
		b.handleContinueSession(chatID)
	case router.SwitchProject:
		b.handleSwitchProject(ctx, chatID, command, text)
	case router.Cancel:
		b.handleCancel(chatID)
	case router.Restart:
		b.manager.Restart(chatID)
		b.reply(chatID, "Session restarted.")
	case router.Sessions:
		b.replySessions(chatID)
	default:
		b.runPrompt(ctx, chatID, agentclient.Prompt{Text: command.Text})
	}
}

func (b *Bot) handleApprove(chatID int64) {
	sess := b.manager.Get(chatID)
	if sess == nil {
		b.reply(chatID, "No active session.")
		return
	}
	// Approval is silent; the agent carrying on is the feedback.
	if !sess.Permissions.Approve() {
		b.reply(chatID, "No pending permission to approve.")
	}
}

func (b *Bot) handleReject(chatID int64) {
	sess := b.manager.Get(chatID)
	if sess == nil {
		b.reply(chatID, "No active session.")
		return
	}
	description := sess.Permissions.PendingDescription()
	if sess.Permissions.Deny("User rejected via voice") {
		if description == "" {
			description = "unknown"
		}
		b.replyHTML(chatID, "❌ <b>Rejected:</b> "+html.EscapeString(description))
	} else {
		b.reply(chatID, "No pending permission to reject.")
	}
}

func (b *Bot) handleStickyApprove(chatID int64) {
	sess := b.manager.Get(chatID)
	if sess == nil {
		b.reply(chatID, "No active session.")
		return
	}
	if rule := sess.Permissions.StickyApprove(); rule != nil {
		b.reply(chatID, fmt.Sprintf("Stickied: %s auto-approved", rule.Describe()))
	} else {
		b.reply(chatID, "No pending permission to sticky approve.")
	}
}

func (b *Bot) handleClearSticky(chatID int64) {
	sess := b.manager.Get(chatID)
	if sess == nil {
		b.reply(chatID, "No active session.")
		return
	}
	if count := sess.Permissions.ClearStickyApprovals(); count > 0 {
		b.reply(chatID, fmt.Sprintf("Cleared %d sticky approval(s).", count))
	} else {
		b.reply(chatID, "No sticky approvals to clear.")
	}
}

func (b *Bot) handleListApprovals(chatID int64) {
	sess := b.manager.Get(chatID)
	if sess == nil {
		b.reply(chatID, "No active session.")
		return
	}
	rules := sess.Permissions.StickyApprovals()
	if len(rules) == 0 {
		b.reply(chatID, "No sticky approvals.")
		return
	}
	lines := make([]string, 0, len(rules)+1)
	lines = append(lines, "Sticky approvals:")
	for i, rule := range rules {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, rule.Describe()))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) handleContinueSession(chatID int64) {
	if b.manager.HasResumableSession(chatID) {
		sess := b.manager.Get(chatID)
		b.reply(chatID, fmt.Sprintf("Resuming session in %s\nMessages: %d", sess.Cwd, sess.MessageCount))
		return
	}
	if sess := b.manager.Get(chatID); sess != nil {
		b.reply(chatID, fmt.Sprintf(
			"Session active in %s. No Claude session to resume.\nSend a message to start interacting.", sess.Cwd))
		return
	}
	b.reply(chatID, "No previous session to resume. Starting fresh.")
	b.manager.GetOrCreate(chatID)
}

func (b *Bot) handleSwitchProject(ctx context.Context, chatID int64, command router.Command, original string) {
	cwd, known := b.settings.Projects[command.Project]
	if command.Project == "" || !known {
		names := make([]string, 0, len(b.settings.Projects))
		for name := range b.settings.Projects {
			names = append(names, name)
		}
		b.reply(chatID, "Unknown project. Available: "+strings.Join(names, ", "))
		return
	}

	b.manager.SetCwd(chatID, cwd)
	b.reply(chatID, fmt.Sprintf("Switched to %s (%s)", command.Project, cwd))

	// "on X: do something" switches and then sends the residual text
	// as a prompt in the new directory.
	if command.Text != original && strings.TrimSpace(command.Text) != "" {
		b.runPrompt(ctx, chatID, agentclient.Prompt{Text: command.Text})
	}
}

func (b *Bot) handleCancel(chatID int64) {
	if b.cancelRunningPrompt(chatID) {
		b.reply(chatID, "⏹️ Task cancelled.")
	} else {
		b.reply(chatID, "No running task to cancel.")
	}
}

// cancelRunningPrompt cancels the chat's in-flight prompt, reporting
// whether there was one.
func (b *Bot) cancelRunningPrompt(chatID int64) bool {
	b.mu.Lock()
	cancel := b.cancels[chatID]
	delete(b.cancels, chatID)
	b.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}
