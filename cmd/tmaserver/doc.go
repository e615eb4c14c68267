/*
Tmaserver runs the Telegram bot and HTTP API behind the pictures catalog
Mini App: it publishes posts to a channel, forwards Mini App submissions to
administrators and manages the product catalog, which is persisted to a
local JSON document and mirrored to a file in a GitHub repository.

# Usage

	$ tmaserver [flags...]

Configuration is read from the environment (optionally from a .env file in
the working directory): BOT_TOKEN (required), ADMIN_CHAT_IDS,
ADMIN_THREAD_ID, CHANNEL_ID, CHANNEL_THREAD_ID, APP_URL, FRONTEND_URL,
POST_BUTTON_TEXT, POST_BUTTON_URL, TG_SECRET, PORT, GITHUB_TOKEN,
GITHUB_REPO, GITHUB_PRODUCTS_PATH, GITHUB_COMMIT_BRANCH,
GITHUB_COMMIT_MESSAGE.
*/
package main
