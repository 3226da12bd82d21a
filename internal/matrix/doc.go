// ABOUTME: Package matrix is the chat transport for operators
// ABOUTME: Outbound notifications and questions plus the inbound answer bridge

// Package matrix connects the gatekeeper to a single Matrix room.
//
// Client is both a notify.Channel and a coordinator.QuestionDeliveryPort:
// notifications and questions are rendered as markdown and posted to the
// configured room. Bridge syncs the same room and turns operator messages
// into answers:
//
//	!answer q-123 resume     answer q-123 with option "resume"
//	!answer q-123 custom_text  then send the reply as a plain message
//
// Any other message is offered to the answer processor as a free-text reply
// for the room and ignored when no question is awaiting one.
package matrix
