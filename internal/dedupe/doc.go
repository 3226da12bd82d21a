// Package dedupe suppresses repeated notification keys within a sliding
// time window. Entries are bounded in number; the oldest key is evicted first.
package dedupe
