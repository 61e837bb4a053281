package meshnet

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireEnvelope mirrors the JSON shape spec.md §4.4 mandates: one line per
// message, keys in lowerCamelCase, payload a type-dependent nested object
// (or null).
type wireEnvelope struct {
	Id             string          `json:"id"`
	Type           MessageType     `json:"type"`
	SourceId       string          `json:"sourceId"`
	SourceUsername string          `json:"sourceUsername"`
	TargetIds      []string        `json:"targetIds"`
	Ttl            int             `json:"ttl"`
	CreatedAt      int64           `json:"createdAt"`
	Payload        json.RawMessage `json:"payload"`
}

// knownMessageTypes is the full wire-stable tag set from spec.md §6.1.
// Anything outside this set decodes to MsgUnknown.
var knownMessageTypes = map[MessageType]bool{
	MsgData:          true,
	MsgPeerAnnounce:  true,
	MsgPeerSync:      true,
	MsgRouteRequest:  true,
	MsgRouteResponse: true,
	MsgAck:           true,
	MsgFileAnnounce:  true,
	MsgFileChunk:     true,
	MsgFileChunkAck:  true,
	MsgFileComplete:  true,
	MsgPing:          true,
	MsgPong:          true,
	MsgUnknown:       true,
}

// encodeMessage renders m as a single JSON line, framed with a trailing
// newline so line-delimited adapters (the "direct-socket mode" shape of
// spec.md §4.3) can demarcate boundaries trivially.
func encodeMessage(m *Message) ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode payload: %w", err)
	}

	env := wireEnvelope{
		Id:             m.Id,
		Type:           m.Type,
		SourceId:       m.SourceId,
		SourceUsername: m.SourceUsername,
		TargetIds:      m.TargetIds,
		Ttl:            m.Ttl,
		CreatedAt:      m.CreatedAt,
		Payload:        payload,
	}

	buf, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode envelope: %w", err)
	}

	return append(buf, '\n'), nil
}

// decodeMessage parses a single line produced by encodeMessage. Payloads
// for message types the core understands are decoded into their concrete
// Go type so the router/node can act on them; everything else is kept as
// a json.RawMessage so it can be forwarded byte-for-byte unmodified, per
// spec.md §6.1's "reserved... forwarded unchanged" rule.
func decodeMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)

	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("mesh: decode envelope: %w", err)
	}

	typ := env.Type
	if !knownMessageTypes[typ] {
		typ = MsgUnknown
	}

	m := &Message{
		Id:             env.Id,
		Type:           typ,
		SourceId:       env.SourceId,
		SourceUsername: env.SourceUsername,
		TargetIds:      env.TargetIds,
		Ttl:            env.Ttl,
		CreatedAt:      env.CreatedAt,
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return m, nil
	}

	switch typ {
	case MsgData, MsgFileAnnounce:
		// fileAnnounce is carried in the same DataPayload shape as data
		// (its FileInfo entries are what drives the on_file_progress
		// supplement in Node); it is still forwarded like every other
		// type, but re-encoded from DataPayload rather than byte-for-byte.
		var p DataPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("mesh: decode %s payload: %w", typ, err)
		}
		m.Payload = p
	case MsgPeerAnnounce:
		var p PeerAnnounce
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("mesh: decode peerAnnounce payload: %w", err)
		}
		m.Payload = p
	case MsgPing:
		var p pingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("mesh: decode ping payload: %w", err)
		}
		m.Payload = p
	case MsgPong:
		var p pongPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("mesh: decode pong payload: %w", err)
		}
		m.Payload = p
	default:
		// reserved/unknown: keep the raw bytes so a forward re-encodes
		// byte-for-byte identical payload content.
		m.Payload = json.RawMessage(append([]byte(nil), env.Payload...))
	}

	return m, nil
}
