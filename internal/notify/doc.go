// Package notify routes notifications to delivery channels.
//
// Dispatch applies, in order: dedup-key suppression within the dedup window,
// expiry, channel resolution (explicit channel, then the category table, then
// the default), quiet-hours deferral for anything below critical, and
// delivery with a single fallback attempt when the primary channel fails.
// The pseudo-channel "both" sends to the default and fallback channels and
// succeeds when either accepts.
//
// A delivered critical notification arms a one-shot escalation timer. Unless
// CancelEscalation is called first, an amplified copy titled "[ESCALATED] ..."
// is sent to both channels with deduplication disabled.
//
// Deferred notifications are persisted as queued with their delivery time and
// flushed by ProcessQueuedNotifications.
package notify
