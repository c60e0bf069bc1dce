// Package protocol defines the JSON signaling messages exchanged between a
// meshcall client and the relay server.
//
// The relay moves these messages verbatim between clients; it never carries
// media. Directed messages (offer/answer/ice-candidate) carry targetUserId on
// the way in and a server-stamped fromUserId on the way out, so a client can
// never spoof another participant's identity.
package protocol
