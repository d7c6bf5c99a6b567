// Package protocol defines the frames exchanged with the dispatch server.
//
// Every frame is a JSON envelope:
//
//	{"type": "NEW_OFFER", "command_id": "...", "payload": {...}, "timestamp": "..."}
//
// Inbound kinds: NEW_OFFER, JOB_UPDATE, MESSAGE, STATUS_ACK, CONNECTION_CLOSED.
// Outbound kinds: ACCEPT_OFFER, DECLINE_OFFER, ADVANCE_STATUS, SEND_MESSAGE,
// UPDATE_LOCATION and SET_AVAILABILITY. Outbound commands that expect a
// verdict carry a command_id which the server echoes in STATUS_ACK.
package protocol
