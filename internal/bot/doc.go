// Package bot is the Telegram operator surface: owner-only commands and
// inline buttons that drive the pipeline controller.
package bot
