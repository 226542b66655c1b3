// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/voxgate/voxgate/agentclient"
	"github.com/voxgate/voxgate/chatmd"
	"github.com/voxgate/voxgate/session"
)

// chunkBatchSize is how many response chunks accumulate before a
// Telegram message goes out. Claude streams many small pieces; sending
// each one separately floods the chat.
const chunkBatchSize = 5

func (b *Bot) promptLock(chatID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.promptLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		b.promptLocks[chatID] = lock
	}
	return lock
}

// runPrompt sends one prompt through the session manager and relays
// the streamed response. Prompts for the same chat serialize on a
// per-chat lock; a queued prompt announces itself so the user knows
// why nothing is happening yet.
func (b *Bot) runPrompt(ctx context.Context, chatID int64, prompt agentclient.Prompt) {
	lock := b.promptLock(chatID)
	if !lock.TryLock() {
		b.reply(chatID, "(Queued, waiting for previous request...)")
		lock.Lock()
	}
	defer lock.Unlock()

	b.logger.Info("processing prompt", "chat_id", chatID, "length", len(prompt.Text))

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancels[chatID] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.cancels, chatID)
		b.mu.Unlock()
	}()

	workingID := b.sendWorking(chatID)

	out, err := b.manager.SendPrompt(promptCtx, chatID, prompt)
	if err != nil {
		b.clearWorking(chatID, workingID, false)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	var batch []string
	for chunk := range out {
		if promptCtx.Err() != nil {
			// Cancelled; drain without relaying.
			continue
		}
		batch = append(batch, chunk)
		if len(batch) >= chunkBatchSize {
			b.sendFormatted(chatID, strings.Join(batch, "\n"))
			batch = nil
		}
	}
	if len(batch) > 0 && promptCtx.Err() == nil {
		b.sendFormatted(chatID, strings.Join(batch, "\n"))
	}

	b.clearWorking(chatID, workingID, promptCtx.Err() != nil)
}

// sendWorking posts the "Working..." message with its Stop button and
// returns the message ID, or 0 if sending failed.
func (b *Bot) sendWorking(chatID int64) int {
	message := tgbotapi.NewMessage(chatID, "⏳ Working...")
	message.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🛑 Stop", "cancel"),
		),
	)
	sent, err := b.api.Send(message)
	if err != nil {
		b.logger.Warn("working message failed", "chat_id", chatID, "error", err)
		return 0
	}
	return sent.MessageID
}

// clearWorking removes the "Working..." message, or rewrites it as the
// cancellation notice.
func (b *Bot) clearWorking(chatID int64, messageID int, cancelled bool) {
	if messageID == 0 {
		return
	}
	if cancelled {
		edit := tgbotapi.NewEditMessageText(chatID, messageID, "⏹️ Task cancelled.")
		if _, err := b.api.Request(edit); err != nil {
			b.logger.Debug("editing working message failed", "chat_id", chatID, "error", err)
		}
		return
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("deleting working message failed", "chat_id", chatID, "error", err)
	}
}

// sendFormatted renders agent Markdown as Telegram HTML, falling back
// to plain text when Telegram rejects the markup.
func (b *Bot) sendFormatted(chatID int64, text string) {
	message := tgbotapi.NewMessage(chatID, chatmd.ToTelegramHTML(text))
	message.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(message); err != nil {
		b.logger.Debug("formatted send rejected, sending plain", "chat_id", chatID, "error", err)
		b.reply(chatID, text)
	}
}

// NotifyPermission is wired into the session manager as its permission
// notification callback: it posts the tool description with
// Approve/Always/Reject buttons.
func (b *Bot) NotifyPermission(ctx context.Context, chatID int64, call session.ToolCall) {
	description := "Claude wants to use " + call.Name
	switch call.Name {
	case session.ToolBash:
		description = "Claude wants to run: " + orUnknown(call.Input.Command())
	case session.ToolWrite, session.ToolEdit:
		description = "Claude wants to modify: " + orUnknown(call.Input.FilePath())
	}

	message := tgbotapi.NewMessage(chatID, description)
	message.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "approve"),
			tgbotapi.NewInlineKeyboardButtonData("Always", "sticky_approve"),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "reject"),
		),
	)
	if _, err := b.api.Send(message); err != nil {
		b.logger.Error("permission prompt failed", "chat_id", chatID, "error", err)
	}
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// handleCallback routes inline keyboard presses.
func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Debug("callback ack failed", "error", err)
	}
	if query.Message == nil || query.Message.Chat == nil {
		return
	}
	chatID := query.Message.Chat.ID
	if !b.settings.IsAllowed(chatID) {
		return
	}
	messageID := query.Message.MessageID

	if query.Data == "cancel" {
		// The prompt goroutine rewrites the working message itself;
		// only a press with nothing running gets an edit here.
		if !b.cancelRunningPrompt(chatID) {
			b.editMessage(chatID, messageID, "No running task to cancel.")
		}
		return
	}

	if name, ok := strings.CutPrefix(query.Data, "session_switch_"); ok {
		if _, err := b.manager.Switch(chatID, name); err != nil {
			b.editMessage(chatID, messageID, fmt.Sprintf("Switch failed: %v", err))
		} else {
			b.editMessage(chatID, messageID, "Switched to session "+name)
		}
		return
	}

	sess := b.manager.Get(chatID)
	if sess == nil {
		b.editMessage(chatID, messageID, "No active session.")
		return
	}

	switch query.Data {
	case "approve":
		if sess.Permissions.Approve() {
			if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
				b.logger.Debug("deleting permission prompt failed", "chat_id", chatID, "error", err)
			}
		} else {
			b.editMessage(chatID, messageID, "No pending permission.")
		}

	case "sticky_approve":
		if rule := sess.Permissions.StickyApprove(); rule != nil {
			b.editMessage(chatID, messageID, fmt.Sprintf("Stickied: %s auto-approved", rule.Describe()))
		} else {
			b.editMessage(chatID, messageID, "No pending permission.")
		}

	case "reject":
		description := sess.Permissions.PendingDescription()
		if sess.Permissions.Deny("User rejected via button") {
			if description == "" {
				description = "unknown"
			}
			edit := tgbotapi.NewEditMessageText(chatID, messageID, "❌ <b>Rejected:</b> "+html.EscapeString(description))
			edit.ParseMode = tgbotapi.ModeHTML
			if _, err := b.api.Request(edit); err != nil {
				b.logger.Debug("editing rejection failed", "chat_id", chatID, "error", err)
			}
		} else {
			b.editMessage(chatID, messageID, "No pending permission.")
		}
	}
}

func (b *Bot) editMessage(chatID int64, messageID int, text string) {
	if _, err := b.api.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.logger.Debug("message edit failed", "chat_id", chatID, "error", err)
	}
}
