package corvid

import (
	"github.com/tinylib/msgp/msgp"
)

// MessagePack encoding of the envelope types. Records are maps keyed by
// field name so that readers skip fields they do not know.

var (
	_ msgp.Marshaler   = Envelope{}
	_ msgp.Unmarshaler = (*Envelope)(nil)
	_ msgp.Sizer       = Envelope{}
)

// MarshalMsg appends the MessagePack encoding of p to b.
func (p Path) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "local")
	b = msgp.AppendString(b, p.Mailbox.LocalPart)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, p.Mailbox.Domain)
	return b, nil
}

// UnmarshalMsg decodes p from b and returns the remaining bytes.
func (p *Path) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, msgp.WrapError(err, "Path")
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, msgp.WrapError(err, "Path")
		}
		switch msgp.UnsafeString(key) {
		case "local":
			p.Mailbox.LocalPart, b, err = msgp.ReadStringBytes(b)
		case "domain":
			p.Mailbox.Domain, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, msgp.WrapError(err, "Path", string(key))
		}
	}
	return b, nil
}

// Msgsize returns an upper bound of the encoded size of p.
func (p Path) Msgsize() int {
	return msgp.MapHeaderSize +
		msgp.StringPrefixSize + len("local") + msgp.StringPrefixSize + len(p.Mailbox.LocalPart) +
		msgp.StringPrefixSize + len("domain") + msgp.StringPrefixSize + len(p.Mailbox.Domain)
}

// MarshalMsg appends the MessagePack encoding of r to b.
func (r Recipient) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "address")
	b, err := r.Address.MarshalMsg(b)
	if err != nil {
		return b, msgp.WrapError(err, "Recipient", "address")
	}
	b = msgp.AppendString(b, "params")
	return appendStringMap(b, r.Params), nil
}

// UnmarshalMsg decodes r from b and returns the remaining bytes.
func (r *Recipient) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, msgp.WrapError(err, "Recipient")
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, msgp.WrapError(err, "Recipient")
		}
		switch msgp.UnsafeString(key) {
		case "address":
			b, err = r.Address.UnmarshalMsg(b)
		case "params":
			r.Params, b, err = readStringMap(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, msgp.WrapError(err, "Recipient", string(key))
		}
	}
	return b, nil
}

// Msgsize returns an upper bound of the encoded size of r.
func (r Recipient) Msgsize() int {
	return msgp.MapHeaderSize +
		msgp.StringPrefixSize + len("address") + r.Address.Msgsize() +
		msgp.StringPrefixSize + len("params") + stringMapSize(r.Params)
}

// MarshalMsg appends the MessagePack encoding of e to b.
func (e Envelope) MarshalMsg(b []byte) ([]byte, error) {
	var err error
	b = msgp.AppendMapHeader(b, 7)
	b = msgp.AppendString(b, "from")
	if b, err = e.From.MarshalMsg(b); err != nil {
		return b, msgp.WrapError(err, "Envelope", "from")
	}
	b = msgp.AppendString(b, "to")
	b = msgp.AppendArrayHeader(b, uint32(len(e.To)))
	for i := range e.To {
		if b, err = e.To[i].MarshalMsg(b); err != nil {
			return b, msgp.WrapError(err, "Envelope", "to", i)
		}
	}
	b = msgp.AppendString(b, "body")
	b = msgp.AppendString(b, string(e.BodyType))
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, e.Size)
	b = msgp.AppendString(b, "smtputf8")
	b = msgp.AppendBool(b, e.SMTPUTF8)
	b = msgp.AppendString(b, "auth")
	b = msgp.AppendString(b, e.Auth)
	b = msgp.AppendString(b, "params")
	return appendStringMap(b, e.Params), nil
}

// UnmarshalMsg decodes e from b and returns the remaining bytes.
func (e *Envelope) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, msgp.WrapError(err, "Envelope")
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, msgp.WrapError(err, "Envelope")
		}
		switch msgp.UnsafeString(key) {
		case "from":
			b, err = e.From.UnmarshalMsg(b)
		case "to":
			var count uint32
			count, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				break
			}
			e.To = make([]Recipient, count)
			for i := range e.To {
				if b, err = e.To[i].UnmarshalMsg(b); err != nil {
					break
				}
			}
		case "body":
			var body string
			body, b, err = msgp.ReadStringBytes(b)
			e.BodyType = BodyType(body)
		case "size":
			e.Size, b, err = msgp.ReadInt64Bytes(b)
		case "smtputf8":
			e.SMTPUTF8, b, err = msgp.ReadBoolBytes(b)
		case "auth":
			e.Auth, b, err = msgp.ReadStringBytes(b)
		case "params":
			e.Params, b, err = readStringMap(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, msgp.WrapError(err, "Envelope", string(key))
		}
	}
	return b, nil
}

// Msgsize returns an upper bound of the encoded size of e.
func (e Envelope) Msgsize() int {
	size := msgp.MapHeaderSize +
		msgp.StringPrefixSize + len("from") + e.From.Msgsize() +
		msgp.StringPrefixSize + len("to") + msgp.ArrayHeaderSize +
		msgp.StringPrefixSize + len("body") + msgp.StringPrefixSize + len(e.BodyType) +
		msgp.StringPrefixSize + len("size") + msgp.Int64Size +
		msgp.StringPrefixSize + len("smtputf8") + msgp.BoolSize +
		msgp.StringPrefixSize + len("auth") + msgp.StringPrefixSize + len(e.Auth) +
		msgp.StringPrefixSize + len("params") + stringMapSize(e.Params)
	for i := range e.To {
		size += e.To[i].Msgsize()
	}
	return size
}

// ToMessagePack encodes the received message: ID, arrival time, envelope
// and raw content.
func (m *Mail) ToMessagePack() ([]byte, error) {
	b := make([]byte, 0, m.msgsize())
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, m.ID)
	b = msgp.AppendString(b, "received_at")
	b = msgp.AppendTime(b, m.ReceivedAt)
	b = msgp.AppendString(b, "envelope")
	b, err := m.Envelope.MarshalMsg(b)
	if err != nil {
		return nil, err
	}
	b = msgp.AppendString(b, "raw")
	return msgp.AppendBytes(b, m.Raw), nil
}

func (m *Mail) msgsize() int {
	return msgp.MapHeaderSize +
		msgp.StringPrefixSize + len("id") + msgp.StringPrefixSize + len(m.ID) +
		msgp.StringPrefixSize + len("received_at") + msgp.TimeSize +
		msgp.StringPrefixSize + len("envelope") + m.Envelope.Msgsize() +
		msgp.StringPrefixSize + len("raw") + msgp.BytesPrefixSize + len(m.Raw)
}

// FromMessagePack decodes a message encoded by ToMessagePack.
func FromMessagePack(data []byte) (*Mail, error) {
	m := &Mail{}
	n, b, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return nil, msgp.WrapError(err, "Mail")
	}
	for ; n > 0; n-- {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return nil, msgp.WrapError(err, "Mail")
		}
		switch msgp.UnsafeString(key) {
		case "id":
			m.ID, b, err = msgp.ReadStringBytes(b)
		case "received_at":
			m.ReceivedAt, b, err = msgp.ReadTimeBytes(b)
		case "envelope":
			b, err = m.Envelope.UnmarshalMsg(b)
		case "raw":
			m.Raw, b, err = msgp.ReadBytesBytes(b, nil)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, msgp.WrapError(err, "Mail", string(key))
		}
	}
	m.Headers, _ = parseMessageContent(m.Raw)
	return m, nil
}

func appendStringMap(b []byte, m map[string]string) []byte {
	if m == nil {
		return msgp.AppendNil(b)
	}
	b = msgp.AppendMapHeader(b, uint32(len(m)))
	for k, v := range m {
		b = msgp.AppendString(b, k)
		b = msgp.AppendString(b, v)
	}
	return b
}

func readStringMap(b []byte) (map[string]string, []byte, error) {
	if msgp.IsNil(b) {
		b, err := msgp.ReadNilBytes(b)
		return nil, b, err
	}
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	m := make(map[string]string, n)
	for ; n > 0; n-- {
		var k, v string
		if k, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		if v, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		m[k] = v
	}
	return m, b, nil
}

func stringMapSize(m map[string]string) int {
	if m == nil {
		return msgp.NilSize
	}
	size := msgp.MapHeaderSize
	for k, v := range m {
		size += msgp.StringPrefixSize + len(k) + msgp.StringPrefixSize + len(v)
	}
	return size
}
