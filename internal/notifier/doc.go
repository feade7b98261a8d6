// Package notifier is the failure-notification sink.
//
// Scheduler failures are queued without blocking the caller, deduplicated per
// (pipeline, error text) inside a window, rate limited, and delivered by a
// Sender on a small worker pool. Delivery failures are logged and swallowed.
//
// # Senders
//
// LogSender writes the notification to the log. WebhookSender posts a JSON
// body to an operator-configured URL.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier
