package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// PacketID numbers reliable packets from 0 in each direction
type PacketID int64

// String renders the id the way it appears as an object key
func (id PacketID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParsePacketID parses a decimal object key
func ParsePacketID(s string) (PacketID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid packet id %q: %w", s, err)
	}
	return PacketID(v), nil
}

// ClientFrame is what a reliable channel sends to the server
type ClientFrame struct {
	Packets map[PacketID]json.RawMessage `json:"d,omitempty"`
	Ack     *PacketID                    `json:"a,omitempty"`
	End     bool                         `json:"end,omitempty"`
}

// Empty reports whether the frame carries nothing
func (f *ClientFrame) Empty() bool {
	return len(f.Packets) == 0 && f.Ack == nil && !f.End
}

// ServerFrame is what the server sends to a reliable channel: packets keyed
// directly by id, next to an optional end marker.
type ServerFrame struct {
	Packets map[PacketID]json.RawMessage
	End     bool
	// Skipped lists keys that were neither a packet id nor "end"
	Skipped []string
}

// MarshalJSON implements json.Marshaler
func (f ServerFrame) MarshalJSON() ([]byte, error) {
	ids := make([]PacketID, 0, len(f.Packets))
	for id := range f.Packets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		payload := f.Packets[id]
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		fmt.Fprintf(&buf, `"%d":`, id)
		buf.Write(payload)
	}
	if f.End {
		if len(ids) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"end":true`)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (f *ServerFrame) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Packets = make(map[PacketID]json.RawMessage, len(raw))
	f.End = false
	f.Skipped = nil
	for key, value := range raw {
		if key == KeyEnd {
			var end bool
			if err := json.Unmarshal(value, &end); err != nil {
				return fmt.Errorf("invalid end marker: %w", err)
			}
			f.End = end
			continue
		}
		id, err := ParsePacketID(key)
		if err != nil {
			f.Skipped = append(f.Skipped, key)
			continue
		}
		f.Packets[id] = value
	}
	return nil
}
