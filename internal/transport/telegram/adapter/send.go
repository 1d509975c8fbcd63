package adapter

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "ethgasmeter/internal/transport"
)

// Telegram rejects messages above 4096 characters; stay clear of it.
const telegramTextLimit = 4000

// SendText delivers text, split into several messages when it is too long.
// The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var so tele.SendOptions
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	so.ThreadID = to.ThreadID
	chat := &tele.Chat{ID: to.ChatID}

	first := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range splitTelegramText(text, telegramTextLimit, so.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := a.bot.Send(chat, part, &so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first.MessageID = m.ID
		}
	}
	return first, nil
}

// splitTelegramText cuts s into chunks of at most limit runes. A chunk
// ends after the last newline in its window unless that would leave it
// shorter than a third of the limit. In HTML mode a chunk never ends
// inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rest := []rune(s)
	if len(rest) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var chunks []string
	for len(rest) > 0 {
		cut := len(rest)
		if cut > limit {
			cut = limit
			if nl := lastIndexRune(rest[:cut], '\n'); nl >= limit/3 {
				cut = nl + 1
			}
			if html {
				if lt := lastIndexRune(rest[:cut], '<'); lt > 1 && lt > lastIndexRune(rest[:cut], '>') {
					cut = lt
				}
			}
		}
		chunks = append(chunks, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
