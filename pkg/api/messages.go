package api

// ChannelJoin is sent when the local user enters or exits a channel,
// and mirrored back by the server as user-joined / user-left fan-out.
type ChannelJoin struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
}

// RosterSnapshot lists the users already present in a channel.
// The server sends it once, right after a successful join.
type RosterSnapshot struct {
	ChannelId string   `json:"channelId"`
	Users     []string `json:"users"`
}

// Signal carries a Base64+JSON SDP blob or ICE candidate between
// exactly two peers; the server routes it by the To field.
type Signal struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	ChannelId string `json:"channelId,omitempty"`
	Offer     string `json:"offer,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Transmission marks the start or end of one user speaking.
type Transmission struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
}

// AudioClip is a complete recorded voice clip shipped through the
// server when no direct peer link exists (relay mode).
type AudioClip struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
	AudioData string `json:"audioData"`
	Timestamp int64  `json:"timestamp"`
}

// Status is the payload of internal connection-status transitions.
type Status struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}
