package mihome

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Protocol command names.
const (
	CmdWhois        = "whois"
	CmdIAm          = "iam"
	CmdGetIDList    = "get_id_list"
	CmdGetIDListAck = "get_id_list_ack"
	CmdRead         = "read"
	CmdReadAck      = "read_ack"
	CmdWrite        = "write"
	CmdWriteAck     = "write_ack"
	CmdReport       = "report"
	CmdHeartbeat    = "heartbeat"
)

// Envelope field names.
const (
	fieldCmd   = "cmd"
	fieldSID   = "sid"
	fieldModel = "model"
	fieldToken = "token"
	fieldData  = "data"
	fieldIP    = "ip"
	fieldPort  = "port"
	fieldKey   = "key"
)

// Message is a decoded protocol datagram.
//
// A Message is immutable once decoded. The embedded "data" payload is kept
// as its raw string and decoded on demand with DataObject or DataList.
type Message struct {
	Command string
	SID     string
	Model   string
	Token   string

	// Source is the sender address, set by the Transport. Nil for
	// messages that did not arrive from the network.
	Source net.Addr

	data    string
	hasData bool
	fields  map[string]json.RawMessage
}

// Decode parses a datagram into a Message.
//
// Parameters:
//   - b: Raw datagram bytes
//
// Returns:
//   - *Message: Decoded message
//   - error: ErrDecode if b is not a JSON object or has no "cmd" field
func Decode(b []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrDecode)
	}

	m := &Message{fields: fields}

	cmd, ok := rawString(fields[fieldCmd])
	if !ok || cmd == "" {
		return nil, fmt.Errorf("%w: missing %q field", ErrDecode, fieldCmd)
	}
	m.Command = cmd
	m.SID, _ = rawString(fields[fieldSID])
	m.Model, _ = rawString(fields[fieldModel])
	m.Token, _ = rawString(fields[fieldToken])

	if raw, ok := fields[fieldData]; ok {
		// Gateways send data as an embedded JSON string; accept a
		// plain object too.
		if s, isString := rawString(raw); isString {
			m.data = s
		} else {
			m.data = string(raw)
		}
		m.hasData = true
	}

	return m, nil
}

// rawString returns the textual value of a JSON string or number.
func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// Field returns a top-level field as text. Numeric values are returned
// in their literal form.
func (m *Message) Field(name string) (string, bool) {
	return rawString(m.fields[name])
}

// FieldNames returns the names of all top-level fields, sorted.
func (m *Message) FieldNames() []string {
	names := make([]string, 0, len(m.fields))
	for k := range m.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IP returns the "ip" field announced by a gateway.
func (m *Message) IP() string {
	ip, _ := m.Field(fieldIP)
	return ip
}

// Port returns the "port" field announced by a gateway, or 0 if absent or
// not numeric. Gateways send it as a string.
func (m *Message) Port() int {
	s, ok := m.Field(fieldPort)
	if !ok {
		return 0
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return p
}

// HasData reports whether the message carried a "data" field.
func (m *Message) HasData() bool {
	return m.hasData
}

// RawData returns the embedded "data" payload as received.
func (m *Message) RawData() string {
	return m.data
}

// DataObject decodes the embedded payload as a JSON object. A message
// without a payload yields an empty map.
func (m *Message) DataObject() (map[string]any, error) {
	out := make(map[string]any)
	if !m.hasData || m.data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(m.data), &out); err != nil {
		return nil, fmt.Errorf("%w: data object: %w", ErrDecode, err)
	}
	return out, nil
}

// DataList decodes the embedded payload as a list of ids, as carried by
// get_id_list_ack.
func (m *Message) DataList() ([]string, error) {
	if !m.hasData || m.data == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(m.data), &out); err != nil {
		return nil, fmt.Errorf("%w: data list: %w", ErrDecode, err)
	}
	return out, nil
}

// EncodeCommand builds a command datagram.
//
// Fields are written in the given order after "cmd". String values are
// quoted, numeric and boolean values are written bare.
//
// Parameters:
//   - name: Command name (e.g., "read")
//   - keys: Field names
//   - values: Field values, parallel to keys
//
// Returns:
//   - []byte: Encoded datagram
//   - error: ErrEncode if the lists differ in length or a value is unsupported
func EncodeCommand(name string, keys []string, values []any) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty command name", ErrEncode)
	}
	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: %d keys but %d values", ErrEncode, len(keys), len(values))
	}
	for _, k := range keys {
		if k == fieldCmd {
			return nil, fmt.Errorf("%w: field %q is reserved", ErrEncode, fieldCmd)
		}
	}

	allKeys := append([]string{fieldCmd}, keys...)
	allValues := append([]any{name}, values...)
	return encodeObject(allKeys, allValues)
}

// EncodeData builds the embedded payload string carried in a command's
// "data" field.
func EncodeData(keys []string, values []any) (string, error) {
	if len(keys) != len(values) {
		return "", fmt.Errorf("%w: %d keys but %d values", ErrEncode, len(keys), len(values))
	}
	b, err := encodeObject(keys, values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeObject(keys []string, values []any) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[string]struct{}, len(keys))
	buf.WriteByte('{')
	for i, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrEncode)
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrEncode, k)
		}
		seen[k] = struct{}{}
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := appendValue(&buf, values[i]); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch v.(type) {
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrEncode, v)
	}

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

func whoisCommand() []byte {
	b, _ := EncodeCommand(CmdWhois, nil, nil) //nolint:errcheck // constant input
	return b
}

func getIDListCommand() []byte {
	b, _ := EncodeCommand(CmdGetIDList, nil, nil) //nolint:errcheck // constant input
	return b
}

func readCommand(sid string) []byte {
	b, _ := EncodeCommand(CmdRead, []string{fieldSID}, []any{sid}) //nolint:errcheck // string input
	return b
}
