// Package answers matches human responses back to the questions agents are
// waiting on.
//
// A question ends exactly once. A button answer completes it immediately,
// except for the custom_text action, which marks the question's chat as
// awaiting a typed reply; the next text from that chat completes it. Text from
// a chat nothing is waiting on is published as message.unsolicited and dropped.
//
// Expired questions are swept periodically. A question with a default answer
// is completed with kind=default; one without times out and its agent stays
// blocked. Completing a blocking question publishes agent.unblocked, which the
// gate consumes.
package answers
