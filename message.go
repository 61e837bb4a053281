package meshnet

import "github.com/google/uuid"

// MessageType is the wire-stable lowerCamelCase type tag from spec.md §6.1.
// Only MsgData, MsgPeerAnnounce, MsgPing and MsgPong are acted on by the core; the
// rest are reserved and, if addressed elsewhere, forwarded unchanged.
type MessageType string

const (
	MsgData          MessageType = "data"
	MsgPeerAnnounce  MessageType = "peerAnnounce"
	MsgPeerSync      MessageType = "peerSync"
	MsgRouteRequest  MessageType = "routeRequest"
	MsgRouteResponse MessageType = "routeResponse"
	MsgAck           MessageType = "ack"
	MsgFileAnnounce  MessageType = "fileAnnounce"
	MsgFileChunk     MessageType = "fileChunk"
	MsgFileChunkAck  MessageType = "fileChunkAck"
	MsgFileComplete  MessageType = "fileComplete"
	MsgPing          MessageType = "ping"
	MsgPong          MessageType = "pong"
	MsgUnknown       MessageType = "unknown"
)

// Message is the envelope carried between nodes. Id is assigned once by
// the originator and never changes as the message is forwarded; Ttl
// strictly decreases on each forward hop.
type Message struct {
	Id             string
	Type           MessageType
	SourceId       string
	SourceUsername string
	TargetIds      []string
	Ttl            int
	CreatedAt      int64 // epoch ms
	Payload        any
}

// IsBroadcast reports whether m has no explicit targets.
func (m *Message) IsBroadcast() bool {
	return len(m.TargetIds) == 0
}

// TargetsContain reports whether id appears in m's target list.
func (m *Message) TargetsContain(id string) bool {
	for _, t := range m.TargetIds {
		if t == id {
			return true
		}
	}
	return false
}

// IsForPeer reports whether m should be delivered locally to id: either
// it's a broadcast, or id is named explicitly.
func (m *Message) IsForPeer(id string) bool {
	return m.IsBroadcast() || m.TargetsContain(id)
}

// newMessageId returns a fresh collision-resistant message id, a random
// v4 UUID per spec.md §9.
func newMessageId() string {
	return uuid.NewString()
}

// DataPayload is the payload of a MsgData message.
type DataPayload struct {
	Text       string         `json:"text,omitempty"`
	Files      []FileInfo     `json:"files,omitempty"`
	CustomData map[string]any `json:"customData,omitempty"`
}

// FileInfo announces a file without transferring it; chunk assembly is out
// of scope for the core (spec.md §3).
type FileInfo struct {
	Id          string         `json:"id"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	MimeType    string         `json:"mimeType,omitempty"`
	Sha256      string         `json:"sha256,omitempty"`
	HostPeerId  string         `json:"hostPeerId"`
	ChunkSize   int            `json:"chunkSize,omitempty"`
	TotalChunks int            `json:"totalChunks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PeerAnnounce is the payload of a MsgPeerAnnounce message: the
// announcer's self-description (always at hop_count 0) plus every peer it
// currently knows about, each carrying the announcer's local hop count
// for that peer.
type PeerAnnounce struct {
	Peer       Peer   `json:"peer"`
	KnownPeers []Peer `json:"knownPeers,omitempty"`
}

// pingPayload is the payload of a MsgPing message. spec.md does not
// define a structured ping payload; this is kept decodable for wire
// compatibility with a sender that includes one, but the core identifies
// a ping by the enclosing Message.Id, not this Id field (see pongPayload
// below).
type pingPayload struct {
	Id string `json:"id"`
}

// pongPayload is the payload of a MsgPong message, addressed back at the
// pinger.
type pongPayload struct {
	PingId string `json:"pingId"`
}
