// Package escalation walks detected issues up a response ladder.
//
// The ladder is LOG < NOTIFY < ALERT < ESCALATE < HALT:
//
//	LOG       structured log only
//	NOTIFY    log and a warning notification
//	ALERT     notification and a non-blocking ALERT question
//	ESCALATE  urgent notification and a blocking ESCALATION question
//	HALT      critical notification, gate halt and a blocking APPROVAL question
//
// The rule for an issue is the first match of (type, severity), then
// (type, *), then (*, severity), then (*, *). A new issue starts at the rule's
// initial level; each further report or timer re-evaluation of an unresolved
// issue moves it one level up, never beyond the rule's maximum. At the maximum
// the same level is repeated.
//
// Resolving an issue cancels its re-evaluation timer and any pending
// notification self-escalation. Executed actions stay in effect.
package escalation
