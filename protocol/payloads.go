package protocol

type ErrorPayload struct {
	Reason string `json:"reason,omitempty"`
}

type JoinRoomRequest struct {
	RoomID string `json:"rid"`
}

type JoinRoomAck struct {
	RoomID string   `json:"rid"`
	Roster []string `json:"roster"`
	Master string   `json:"master,omitempty"`
}

// PingRequest probes UserID, or the server itself when UserID is empty.
type PingRequest struct {
	Nonce  string `json:"nonce"`
	UserID string `json:"uid,omitempty"`
}

type PingAck struct {
	Nonce string `json:"nonce"`
}

// PingPush is a probe forwarded from a peer; Envelope.Src names the prober.
type PingPush struct {
	Nonce string `json:"nonce"`
}

type PongRequest struct {
	Nonce  string `json:"nonce"`
	UserID string `json:"uid"`
}

type UserRoom struct {
	RoomID string `json:"rid"`
	UserID string `json:"uid"`
}

type RoomChange struct {
	OldRoomID string `json:"old_rid"`
	NewRoomID string `json:"new_rid"`
	UserID    string `json:"uid"`
}

// PlaybackReport carries a participant's confirmed player state. RoomID is
// filled by the server on relay.
type PlaybackReport struct {
	RoomID     string  `json:"rid,omitempty"`
	PositionMS int64   `json:"position_ms"`
	Speed      float64 `json:"speed"`
	Paused     bool    `json:"paused"`
	Audio      *int64  `json:"aid,omitempty"`
	Subtitles  *int64  `json:"sid,omitempty"`
}

type SyncMaster struct {
	RoomID string `json:"rid,omitempty"`
	UserID string `json:"uid,omitempty"`
}

// SyncCorrection is a corrective command from the master to one follower.
type SyncCorrection struct {
	RoomID     string   `json:"rid,omitempty"`
	UserID     string   `json:"uid,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	PositionMS *int64   `json:"position_ms,omitempty"`
	Pause      *bool    `json:"pause,omitempty"`
	Tracks     *Tracks  `json:"tracks,omitempty"`
}

// Tracks is a track selection. A missing id disables the track.
type Tracks struct {
	Audio     *int64 `json:"aid,omitempty"`
	Subtitles *int64 `json:"sid,omitempty"`
}
