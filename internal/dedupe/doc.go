// Package dedupe drops repeated transport deliveries. Telegram long polling
// and Matrix sync can both hand the same event to the relay twice; the relay
// asks Cache.Seen with the event ID before buffering any text.
package dedupe
