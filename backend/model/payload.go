package model

// Outbound payloads.

type SessionReady struct {
	UserID   int64   `json:"userId"`
	ConnID   string  `json:"connId"`
	Groups   []int64 `json:"groups"`
	Contacts []int64 `json:"contacts"`
	Online   []int64 `json:"online"`
}

type Roster struct {
	Users []int64 `json:"users"`
}

type UserPresence struct {
	UserID int64 `json:"userId"`
}

type TransferInit struct {
	TransferID  string `json:"transferId"`
	Name        string `json:"name"`
	TotalChunks int    `json:"totalChunks"`
}

type ChunkAck struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Received   int    `json:"received"`
	Total      int    `json:"total"`
	Complete   bool   `json:"complete"`
}

type HistoryPage struct {
	PeerID   int64     `json:"peerId,omitempty"`
	GroupID  int64     `json:"groupId,omitempty"`
	Messages []Message `json:"messages"`
	Cursor   string    `json:"cursor,omitempty"`
}

type FriendRequestSender struct {
	ID int64 `json:"id"`
}

type FriendRequestReceived struct {
	RequestID string              `json:"requestId"`
	Sender    FriendRequestSender `json:"sender"`
}

type FriendRequestSent struct {
	RequestID  string `json:"requestId"`
	ReceiverID int64  `json:"receiverId"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId"`
	ReaderID  int64  `json:"readerId"`
}

type Stroke struct {
	GroupID   int64   `json:"groupId"`
	SenderID  int64   `json:"senderId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Drawing   bool    `json:"drawing"`
	Color     string  `json:"color"`
	LineWidth float64 `json:"lineWidth"`
}

type BoardSnapshot struct {
	GroupID int64    `json:"groupId"`
	Strokes []Stroke `json:"strokes"`
}

type BoardCleared struct {
	GroupID  int64 `json:"groupId"`
	SenderID int64 `json:"senderId"`
}

type ErrorPayload struct {
	Msg  string `json:"msg"`
	Code string `json:"code"`
}
