package bridge

import "encoding/json"

// Envelope frames every message on the socket. RequestID correlates a
// response to its request; payload shape depends on Type.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message types. The organizer front-end sends hello/indexRequest/
// chatSendRequest/probe; the visible page collaborator additionally sends
// discoveryComplete and extractionComplete.
const (
	TypeHello              = "hello"
	TypeAck                = "ack"
	TypeError              = "error"
	TypeProbe              = "probe"
	TypeIndexRequest       = "indexRequest"
	TypeChatSendRequest    = "chatSendRequest"
	TypeChatSendResponse   = "chatSendResponse"
	TypeLocateAndNavigate  = "locateAndNavigate"
	TypeDiscoveryComplete  = "discoveryComplete"
	TypeExtractionComplete = "extractionComplete"
)

// Connection roles announced in the hello message.
const (
	RolePage = "page" // the visible application tab's collaborator script
	RoleUI   = "ui"   // the organizer front-end
)

// HelloPayload announces what kind of peer connected.
type HelloPayload struct {
	Role string `json:"role"`
}

// IndexRequestPayload asks for a chat to be indexed. Identifier may be empty
// for chats whose real id is not yet known; the bridge mints a surrogate and
// queues a discovery job instead.
type IndexRequestPayload struct {
	Identifier string `json:"identifier,omitempty"`
	Title      string `json:"title"`
}

// IndexAckPayload echoes the identifier the job was queued under, so the
// front-end can track surrogates.
type IndexAckPayload struct {
	Identifier string `json:"identifier"`
	Queued     bool   `json:"queued"`
}

// ChatSendPayload carries one interactive message into a folder's
// conversation.
type ChatSendPayload struct {
	ThreadKey     string `json:"threadKey"`
	Message       string `json:"message"`
	FolderContext string `json:"folderContext,omitempty"`
}

// ChatSendResponsePayload is the correlated reply.
type ChatSendResponsePayload struct {
	OK       bool   `json:"ok"`
	Reply    string `json:"reply,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// LocatePayload asks the visible page to find a chat by title and navigate
// to it.
type LocatePayload struct {
	SurrogateID string `json:"surrogateId"`
	Title       string `json:"title"`
}

// DiscoveryCompletePayload reports the real id the page navigated to.
type DiscoveryCompletePayload struct {
	SurrogateID string `json:"surrogateId"`
	RealID      string `json:"realId"`
	Error       string `json:"error,omitempty"`
}

// ExtractionCompletePayload signals that the visible page finished extracting
// a chat. Text and TurnCount are optional; when present the bridge persists
// them on the page's behalf.
type ExtractionCompletePayload struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title,omitempty"`
	Text       string `json:"text,omitempty"`
	TurnCount  int    `json:"turnCount,omitempty"`
}

// ErrorPayload reports a request-level failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; a failure here is a programming
		// error.
		panic(err)
	}
	return b
}
