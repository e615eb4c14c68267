package telegram

// Update is an incoming update delivered to the webhook.
// Only the fields the server reacts to are decoded.
// See https://core.telegram.org/bots/api#update.
type Update struct {
	ID      int64    `json:"update_id"`
	Message *Message `json:"message"`
}

// Message is an incoming Telegram message.
type Message struct {
	ID              int64       `json:"message_id"`
	From            *User       `json:"from"`
	Chat            *Chat       `json:"chat"`
	Text            string      `json:"text"`
	Caption         string      `json:"caption"`
	Photo           []PhotoSize `json:"photo"`
	ReplyToMessage  *Message    `json:"reply_to_message"`
	ForwardFromChat *Chat       `json:"forward_from_chat"`
	WebAppData      *WebAppData `json:"web_app_data"`
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

// PhotoSize is one size variant of a photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int64  `json:"width"`
	Height   int64  `json:"height"`
	FileSize int64  `json:"file_size"`
}

// WebAppData is data sent back to the bot by a Mini App.
type WebAppData struct {
	Data       string `json:"data"`
	ButtonText string `json:"button_text"`
}

// LargestPhoto returns the largest size variant, or the zero value if sizes
// is empty.
func LargestPhoto(sizes []PhotoSize) PhotoSize {
	var largest PhotoSize
	for _, s := range sizes {
		if s.FileSize > largest.FileSize {
			largest = s
		}
	}
	return largest
}
