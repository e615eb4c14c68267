package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/telegram"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/web"
)

// postRoute is the mutable routing configuration for channel publications.
// It starts out as the CHANNEL_ID/CHANNEL_THREAD_ID environment values and
// can be rebound at runtime with /bind and /set_channel.
type postRoute struct {
	ChannelID string // numeric ID or @username; empty means publish to the current chat
	ThreadID  int64
}

func (e *engine) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if e.webhookSecret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != e.webhookSecret {
		web.RespondJSONError(e.logf, w, web.ErrNotFound)
		return
	}

	var upd telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: malformed update", web.ErrBadRequest))
		return
	}

	e.handleUpdate(r.Context(), &upd)

	// Always acknowledge the update. Responding with an error would make
	// Telegram retry it over and over.
	web.RespondJSON(w, map[string]bool{"ok": true})
}

func (e *engine) handleUpdate(ctx context.Context, upd *telegram.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	if msg.WebAppData != nil {
		e.handleWebAppData(ctx, msg)
		return
	}

	cmd, args := parseCommand(msg.Text)
	switch cmd {
	case "start":
		e.cmdStart(ctx, msg)
	case "test_admin":
		e.cmdTestAdmin(ctx, msg)
	case "where":
		e.cmdWhere(ctx, msg)
	case "post":
		e.cmdPost(ctx, msg, args)
	case "post_test":
		e.cmdPostTest(ctx, msg)
	case "bind":
		e.cmdBind(ctx, msg)
	case "set_channel":
		e.cmdSetChannel(ctx, msg, args)
	}
}

// parseCommand splits a message text of the form "/cmd@bot args..." into the
// command name and its arguments. It returns an empty command for ordinary
// messages.
func parseCommand(text string) (cmd, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, args, _ = strings.Cut(text[1:], " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd, strings.TrimSpace(args)
}

func (e *engine) isAdmin(u *telegram.User) bool {
	return u != nil && e.admins.Contains(u.ID)
}

// reply sends an HTML-formatted reply into the chat the message came from.
// Failures are logged; there is nobody else to report them to.
func (e *engine) reply(ctx context.Context, msg *telegram.Message, html string, markup *telegram.ReplyMarkup) {
	err := e.tg.SendMessage(ctx, telegram.OutgoingMessage{
		ChatID:             strconv.FormatInt(msg.Chat.ID, 10),
		Text:               html,
		ParseMode:          "HTML",
		LinkPreviewOptions: &telegram.LinkPreviewOptions{IsDisabled: true},
		ReplyMarkup:        markup,
	})
	if err != nil {
		e.logf("Replying to chat %d: %v", msg.Chat.ID, err)
	}
}

// notifyAdmins delivers html to every configured administrator and reports
// how many deliveries succeeded. Each target is independent: one failed
// delivery doesn't abort the rest.
func (e *engine) notifyAdmins(ctx context.Context, html string) int {
	var delivered int
	for _, id := range e.admins.IDs() {
		err := e.tg.SendMessage(ctx, telegram.OutgoingMessage{
			ChatID:             strconv.FormatInt(id, 10),
			MessageThreadID:    e.adminThreadID,
			Text:               html,
			ParseMode:          "HTML",
			LinkPreviewOptions: &telegram.LinkPreviewOptions{IsDisabled: true},
		})
		if err != nil {
			e.logf("Notifying admin %d: %v", id, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (e *engine) cmdStart(ctx context.Context, msg *telegram.Message) {
	var markup *telegram.ReplyMarkup
	if e.frontendURL != "" {
		markup = &telegram.ReplyMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{{
				Text:   "Каталог",
				WebApp: &telegram.WebAppInfo{URL: e.frontendURL},
			}}},
		}
	}
	e.reply(ctx, msg, "📂 Добро пожаловать! Нажмите кнопку ниже, чтобы открыть каталог услуг:", markup)

	if msg.Chat.Type == "private" && e.isAdmin(msg.From) {
		route := e.route.Get()
		target := "Без CHANNEL_ID пост уйдёт в текущий чат."
		if route.ChannelID != "" {
			target = "По умолчанию посты уходят в: <code>" + telegram.EscapeHTML(route.ChannelID) + "</code>"
		}
		e.reply(ctx, msg, strings.Join([]string{
			"🛠 <b>Публикация поста</b>",
			"• Напишите текст поста и отправьте:",
			"<code>/post Текст поста</code>",
			"• Или ответьте командой <code>/post</code> на сообщение с текстом/фото+подписью.",
			"",
			"Кнопка добавляется автоматически: «" + telegram.EscapeHTML(e.postButtonText) + "» → " + telegram.EscapeHTML(e.postButtonURL),
			target,
		}, "\n"), nil)
	}
}

func (e *engine) cmdTestAdmin(ctx context.Context, msg *telegram.Message) {
	if !e.isAdmin(msg.From) {
		e.reply(ctx, msg, "🚫", nil)
		return
	}
	html := "<b>🔔 Тестовое сообщение</b>\n\nОт: " + telegram.DisplayName(msg.From)
	if delivered := e.notifyAdmins(ctx, html); delivered > 0 {
		e.reply(ctx, msg, fmt.Sprintf("✅ Доставлено %d админу(ам)", delivered), nil)
	} else {
		e.reply(ctx, msg, "❌ Не удалось доставить", nil)
	}
}

func (e *engine) cmdWhere(ctx context.Context, msg *telegram.Message) {
	if !e.isAdmin(msg.From) {
		e.reply(ctx, msg, "🚫", nil)
		return
	}
	route := e.route.Get()
	e.reply(ctx, msg, strings.Join([]string{
		"ENV CHANNEL_ID: " + telegram.FormatValue(e.channelID),
		"Канал для постов: " + telegram.FormatValue(route.ChannelID),
		"THREAD_ID: " + formatThread(route.ThreadID),
	}, "\n"), nil)
}

func formatThread(id int64) string {
	if id == 0 {
		return "—"
	}
	return strconv.FormatInt(id, 10)
}

func (e *engine) cmdPost(ctx context.Context, msg *telegram.Message, args string) {
	if !e.isAdmin(msg.From) {
		e.reply(ctx, msg, "🚫 Недостаточно прав для публикации", nil)
		return
	}

	// Post text comes from the command itself or from the replied-to
	// message (text or photo caption).
	postText := args
	var photoFileID string
	if reply := msg.ReplyToMessage; reply != nil {
		if postText == "" {
			if postText = reply.Caption; postText == "" {
				postText = reply.Text
			}
			postText = strings.TrimSpace(postText)
		}
		if len(reply.Photo) > 0 {
			photoFileID = telegram.LargestPhoto(reply.Photo).FileID
		}
	}
	if postText == "" {
		e.reply(ctx, msg, strings.Join([]string{
			"Пришлите текст поста после команды:",
			"/post Текст поста",
			"ИЛИ ответьте /post на сообщение с текстом/фото+подписью.",
			"Кнопка будет добавлена автоматически: «" + telegram.EscapeHTML(e.postButtonText) + "» → " + telegram.EscapeHTML(e.postButtonURL),
		}, "\n"), nil)
		return
	}

	route := e.route.Get()
	target := route.ChannelID
	if target == "" {
		target = strconv.FormatInt(msg.Chat.ID, 10)
	}
	err := e.tg.SendPost(ctx, telegram.Post{
		ChatID:      target,
		ThreadID:    route.ThreadID,
		Text:        postText,
		PhotoFileID: photoFileID,
		Button:      &telegram.InlineKeyboardButton{Text: e.postButtonText, URL: e.postButtonURL},
	})
	if err != nil {
		e.logf("Publishing post to %s: %v", target, err)
		e.reply(ctx, msg, "❌ Ошибка отправки: "+telegram.EscapeHTML(describeTelegramErr(err)), nil)
		return
	}
	e.reply(ctx, msg, "✅ Пост отправлен в "+telegram.EscapeHTML(target)+threadSuffix(route.ThreadID), nil)
}

func (e *engine) cmdPostTest(ctx context.Context, msg *telegram.Message) {
	if !e.isAdmin(msg.From) {
		e.reply(ctx, msg, "🚫", nil)
		return
	}
	route := e.route.Get()
	target := route.ChannelID
	if target == "" {
		target = strconv.FormatInt(msg.Chat.ID, 10)
	}
	err := e.tg.SendPost(ctx, telegram.Post{
		ChatID:   target,
		ThreadID: route.ThreadID,
		Text:     "Тестовый пост ✅\nЕсли вы это видите в канале — всё ок.",
		Button:   &telegram.InlineKeyboardButton{Text: "Открыть", URL: "https://example.com"},
	})
	if err != nil {
		e.reply(ctx, msg, "❌ Не отправилось: "+telegram.EscapeHTML(describeTelegramErr(err)), nil)
		return
	}
	e.reply(ctx, msg, "✅ Ушло в "+telegram.EscapeHTML(target)+threadSuffix(route.ThreadID), nil)
}

func threadSuffix(id int64) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf(" (топик %d)", id)
}

func describeTelegramErr(err error) string {
	if apiErr, ok := err.(*telegram.Error); ok {
		return apiErr.Description
	}
	return err.Error()
}

func (e *engine) cmdBind(ctx context.Context, msg *telegram.Message) {
	if !e.isAdmin(msg.From) {
		e.reply(ctx, msg, "🚫", nil)
		return
	}
	reply := msg.ReplyToMessage
	if reply == nil || reply.ForwardFromChat == nil {
		e.reply(ctx, msg, "Сделайте /bind ответом на ПЕРЕСЛАННОЕ из канала сообщение.", nil)
		return
	}
	channel := strconv.FormatInt(reply.ForwardFromChat.ID, 10)
	e.route.Set(postRoute{ChannelID: channel, ThreadID: e.route.Get().ThreadID})
	e.reply(ctx, msg, "✅ Привязал канал: "+channel, nil)
}

func (e *engine) cmdSetChannel(ctx context.Context, msg *telegram.Message, args string) {
	if !e.isAdmin(msg.From) {
		e.reply(ctx, msg, "🚫", nil)
		return
	}
	if args == "" {
		e.reply(ctx, msg, "Укажи id канала (-100…) или @username.", nil)
		return
	}
	if !strings.HasPrefix(args, "@") {
		if _, err := strconv.ParseInt(args, 10, 64); err != nil {
			e.reply(ctx, msg, "Укажи id канала (-100…) или @username.", nil)
			return
		}
	}
	e.route.Set(postRoute{ChannelID: args, ThreadID: e.route.Get().ThreadID})
	e.reply(ctx, msg, "✔️ Теперь публикуем в: "+telegram.EscapeHTML(args), nil)
}

func (e *engine) handleWebAppData(ctx context.Context, msg *telegram.Message) {
	var data map[string]any
	if err := json.Unmarshal([]byte(msg.WebAppData.Data), &data); err != nil || len(data) == 0 {
		e.reply(ctx, msg, "⚠️ Ошибка: данные не распознаны.", nil)
		return
	}

	html := formatLead(data) +
		"\n\n<b>От:</b> " + telegram.DisplayName(msg.From) +
		"\n<b>Время:</b> " + stamp(time.Now())

	if delivered := e.notifyAdmins(ctx, html); delivered > 0 {
		e.reply(ctx, msg, "✅ Заявка успешно передана администратору!", nil)
	} else {
		e.reply(ctx, msg, "❌ Не удалось доставить администратору.", nil)
	}
}

// formatLead renders a Mini App submission as HTML for admin notification.
// Three shapes are recognized: a form request, a consultation request and
// everything else, which is dumped verbatim.
func formatLead(data map[string]any) string {
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	action := str("action")

	switch {
	case action == "send_request" || action == "send_request_form":
		var sb strings.Builder
		sb.WriteString("📄 <b>Заявка (форма)</b>\n")
		sb.WriteString("<b>Имя:</b> " + telegram.FormatValue(str("name")) + "\n")
		sb.WriteString("<b>Телефон:</b> " + telegram.FormatValue(str("phone")) + "\n")
		if c := str("comment"); c != "" {
			sb.WriteString("<b>Комментарий:</b> " + telegram.FormatValue(c) + "\n")
		}
		if s := str("service"); s != "" {
			sb.WriteString("<b>Услуга:</b> " + telegram.FormatValue(s) + "\n")
		}
		if sel := selectedProduct(data); sel != "" {
			sb.WriteString("<b>Выбранный продукт:</b> " + telegram.FormatValue(sel) + "\n")
		}
		return strings.TrimSuffix(sb.String(), "\n")

	case str("type") == "lead" || action == "consult":
		var sb strings.Builder
		sb.WriteString("💬 <b>Запрос консультации</b>\n")
		sb.WriteString("<b>Имя:</b> " + telegram.FormatValue(str("name")) + "\n")
		contact := str("phone")
		if contact == "" {
			contact = str("contact")
		}
		sb.WriteString("<b>Контакт:</b> " + telegram.FormatValue(contact) + "\n")
		comment := str("comment")
		if comment == "" {
			comment = str("message")
		}
		if comment != "" {
			sb.WriteString("<b>Комментарий:</b> " + telegram.FormatValue(comment) + "\n")
		}
		return strings.TrimSuffix(sb.String(), "\n")
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", data))
	}
	return "📥 <b>Данные из ТМА</b>\n<pre>" + telegram.EscapeHTML(string(raw)) + "</pre>"
}

func selectedProduct(data map[string]any) string {
	if s, ok := data["selected"].(string); ok && s != "" {
		return s
	}
	if p, ok := data["product"].(map[string]any); ok {
		if t, ok := p["title"].(string); ok {
			return t
		}
	}
	return ""
}

func stamp(t time.Time) string {
	return telegram.EscapeHTML(t.Format("02.01.2006 15:04:05"))
}
