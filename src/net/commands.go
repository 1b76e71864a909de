package net

// SyncBody carries the envelope ids a peer holds for a group and the
// ciphertexts it believes the counterpart lacks.
type SyncBody struct {
	EnvelopeIDs []string `json:"envelope_ids"`
	Envelopes   [][]byte `json:"envelopes"`
}

// SyncPayload is the authenticated unit of the sync protocol. MAC is the
// hex HMAC of the canonical Body under the key of AgentGroup, the group both
// peers hold a key for. SyncGroup names the group being reconciled, which
// may be any group reachable from AgentGroup. Nonce is 256 random bits in
// hex; a receiver rejects nonces it has seen.
type SyncPayload struct {
	AgentGroup string   `json:"agent_group"`
	SyncGroup  string   `json:"sync_group"`
	MAC        string   `json:"mac"`
	Body       SyncBody `json:"body"`
	Nonce      string   `json:"nonce"`
}

// SyncGroupRequest wraps a payload with the method it is addressed to.
type SyncGroupRequest struct {
	Method  string      `json:"method"`
	Payload SyncPayload `json:"payload"`
}

// SyncGroupResponse carries the responder's payload.
type SyncGroupResponse struct {
	Payload SyncPayload `json:"payload"`
}
