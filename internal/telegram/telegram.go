// Package telegram implements the subset of the Telegram Bot API used by the
// server: fetching bot identity, managing the webhook and sending messages.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/request"
)

const tgAPI = "https://api.telegram.org"

// Client calls Telegram Bot API methods on behalf of a single bot.
type Client struct {
	// Token is the Telegram bot token.
	Token string
	// HTTPClient is an optional custom HTTP client object to use for requests.
	// If not provided, request.DefaultClient will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// Error is an error reported by the Bot API itself, as opposed to a
// transport failure.
type Error struct {
	Code        int    `json:"error_code"`
	Description string `json:"description"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("telegram: %d: %s", e.Code, e.Description)
}

type apiResponse[Result any] struct {
	OK     bool   `json:"ok"`
	Result Result `json:"result"`
}

// call invokes a Bot API method, unmarshaling the result into result when it
// is non-nil. Bot API failures are converted into *Error.
func (c *Client) call(ctx context.Context, method string, args, result any) error {
	resp, err := request.Make[json.RawMessage](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        tgAPI + "/bot" + c.Token + "/" + method,
		Body:       args,
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	})
	if err != nil {
		// The Bot API reports failures with non-2xx codes and a JSON body
		// describing what went wrong.
		if se := request.ErrStatus(err); se != nil {
			var apiErr Error
			if jerr := json.Unmarshal(se.Body, &apiErr); jerr == nil && apiErr.Description != "" {
				return &apiErr
			}
		}
		return err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp, result)
}

// GetMe returns basic information about the bot.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var resp apiResponse[User]
	if err := c.call(ctx, "getMe", nil, &resp); err != nil {
		return User{}, err
	}
	return resp.Result, nil
}

// WebhookInfo describes the current webhook registration of the bot.
type WebhookInfo struct {
	URL                  string `json:"url"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
	PendingUpdateCount   int64  `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
}

// GetWebhookInfo returns the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var resp apiResponse[WebhookInfo]
	if err := c.call(ctx, "getWebhookInfo", nil, &resp); err != nil {
		return WebhookInfo{}, err
	}
	return resp.Result, nil
}

// SetWebhook registers url as the bot's webhook. secret, when non-empty, is
// echoed back by Telegram in the X-Telegram-Bot-Api-Secret-Token header of
// every update.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	args := map[string]string{"url": url}
	if secret != "" {
		args["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", args, nil)
}

// OutgoingMessage is the payload of a sendMessage call.
type OutgoingMessage struct {
	ChatID             string              `json:"chat_id"`
	MessageThreadID    int64               `json:"message_thread_id,omitempty"`
	Text               string              `json:"text"`
	ParseMode          string              `json:"parse_mode,omitempty"`
	LinkPreviewOptions *LinkPreviewOptions `json:"link_preview_options,omitempty"`
	ReplyMarkup        *ReplyMarkup        `json:"reply_markup,omitempty"`
}

// OutgoingPhoto is the payload of a sendPhoto call. Photo is a file_id of a
// photo already known to Telegram.
type OutgoingPhoto struct {
	ChatID          string       `json:"chat_id"`
	MessageThreadID int64        `json:"message_thread_id,omitempty"`
	Photo           string       `json:"photo"`
	Caption         string       `json:"caption,omitempty"`
	ParseMode       string       `json:"parse_mode,omitempty"`
	ReplyMarkup     *ReplyMarkup `json:"reply_markup,omitempty"`
}

// LinkPreviewOptions controls link previews of an outgoing message.
// See https://core.telegram.org/bots/api#linkpreviewoptions.
type LinkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

// ReplyMarkup is an inline keyboard attached to an outgoing message.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is a single inline keyboard button. Exactly one of
// URL and WebApp should be set.
type InlineKeyboardButton struct {
	Text   string      `json:"text"`
	URL    string      `json:"url,omitempty"`
	WebApp *WebAppInfo `json:"web_app,omitempty"`
}

// WebAppInfo describes a Mini App to be launched by a button.
type WebAppInfo struct {
	URL string `json:"url"`
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	return c.call(ctx, "sendMessage", msg, nil)
}

// SendPhoto sends a photo by file_id.
func (c *Client) SendPhoto(ctx context.Context, msg OutgoingPhoto) error {
	return c.call(ctx, "sendPhoto", msg, nil)
}

// Post is a channel publication: HTML text, an optional photo and an
// optional URL button.
type Post struct {
	ChatID      string
	ThreadID    int64
	Text        string
	PhotoFileID string
	Button      *InlineKeyboardButton
}

// SendPost publishes p. When the target chat rejects the thread ID (a
// channel without topics), the send is retried once without it.
func (c *Client) SendPost(ctx context.Context, p Post) error {
	err := c.sendPost(ctx, p, true)
	if err == nil || p.ThreadID == 0 || !isThreadError(err) {
		return err
	}
	return c.sendPost(ctx, p, false)
}

func (c *Client) sendPost(ctx context.Context, p Post, withThread bool) error {
	var (
		threadID int64
		markup   *ReplyMarkup
	)
	if withThread {
		threadID = p.ThreadID
	}
	if p.Button != nil {
		markup = &ReplyMarkup{InlineKeyboard: [][]InlineKeyboardButton{{*p.Button}}}
	}

	if p.PhotoFileID != "" {
		return c.SendPhoto(ctx, OutgoingPhoto{
			ChatID:          p.ChatID,
			MessageThreadID: threadID,
			Photo:           p.PhotoFileID,
			Caption:         p.Text,
			ParseMode:       "HTML",
			ReplyMarkup:     markup,
		})
	}
	return c.SendMessage(ctx, OutgoingMessage{
		ChatID:          p.ChatID,
		MessageThreadID: threadID,
		Text:            p.Text,
		ParseMode:       "HTML",
		ReplyMarkup:     markup,
	})
}

func isThreadError(err error) bool {
	apiErr, ok := err.(*Error)
	if !ok {
		return false
	}
	desc := strings.ToLower(apiErr.Description)
	for _, marker := range []string{"message_thread_id", "topic", "forum", "thread"} {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	return false
}
