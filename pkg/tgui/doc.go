// Package tgui builds Telegram HTML messages and inline keyboards for the
// operator bot. Text passed to the builder is escaped unless marked Raw.
package tgui
