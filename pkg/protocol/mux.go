package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ChannelID identifies a logical channel within one poller session
type ChannelID uint32

// String renders the id the way it appears as an object key
func (id ChannelID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseChannelID parses a decimal object key
func ParseChannelID(s string) (ChannelID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	return ChannelID(v), nil
}

// OpenRequest asks the server to bind a channel id to a target
type OpenRequest struct {
	Target    string    `json:"u"`
	ChannelID ChannelID `json:"tid"`
}

// ControlBlock is the server's "m" entry: the channel ids whose opens were
// accepted, and error statuses for channels that were rejected or dropped.
type ControlBlock struct {
	Acks   []ChannelID
	Errors map[ChannelID]int
}

// Empty reports whether the block carries nothing
func (c *ControlBlock) Empty() bool {
	return len(c.Acks) == 0 && len(c.Errors) == 0
}

// MarshalJSON implements json.Marshaler
func (c ControlBlock) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	if len(c.Acks) > 0 {
		acks, err := json.Marshal(c.Acks)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`"a":`)
		buf.Write(acks)
		first = false
	}

	ids := make([]ChannelID, 0, len(c.Errors))
	for id := range c.Errors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&buf, `"%d":%d`, id, c.Errors[id])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Keys that are neither "a" nor a
// channel id are ignored.
func (c *ControlBlock) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Acks = nil
	c.Errors = nil
	for key, value := range raw {
		if key == KeyAcks {
			if err := json.Unmarshal(value, &c.Acks); err != nil {
				return fmt.Errorf("invalid acks: %w", err)
			}
			continue
		}
		id, err := ParseChannelID(key)
		if err != nil {
			continue
		}
		var status int
		if err := json.Unmarshal(value, &status); err != nil {
			// Non-numeric payloads still mean the channel is gone.
			status = 500
		}
		if c.Errors == nil {
			c.Errors = make(map[ChannelID]int)
		}
		c.Errors[id] = status
	}
	sort.Slice(c.Acks, func(i, j int) bool { return c.Acks[i] < c.Acks[j] })
	return nil
}
