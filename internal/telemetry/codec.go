package telemetry

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"codeberg.org/mutker/balancectl/internal/errors"
)

// Record frame header bits. A record frame is the header byte, the stream
// id (one or two bytes), the record length (one, two or four bytes) and
// the record itself: a float64 timestamp followed by the fields.
const (
	headerWideID  = 0x01
	headerLen16   = 0x02
	headerLen32   = 0x04
	headerReplay  = 0x40
	headerControl = 0x80

	fetchRequestSize  = 24
	fetchCompleteSize = 16
	maxDefinitionSize = 1 << 20
)

var (
	magicStreams    = [4]byte{'S', 'T', 'R', 'S'}
	magicDefinition = [4]byte{'S', 'T', 'D', 'F'}
	magicFetch      = [4]byte{'F', 'T', 'C', 'H'}
)

// Record is one decoded telemetry sample. Values hold uint8, uint16,
// int32 or float64 according to the schema field types.
type Record struct {
	Timestamp float64
	Values    []any
}

// Float returns value i converted to float64.
func (r Record) Float(i int) float64 {
	switch v := r.Values[i].(type) {
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case int32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}

func frameHeader(buf []byte, id uint16, length int, replay bool) []byte {
	var h byte
	if id > 0xFF {
		h |= headerWideID
	}
	switch {
	case length > 0xFFFF:
		h |= headerLen32
	case length > 0xFF:
		h |= headerLen16
	}
	if replay {
		h |= headerReplay
	}

	buf = append(buf, h)
	if h&headerWideID != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, id)
	} else {
		buf = append(buf, byte(id))
	}

	switch {
	case h&headerLen32 != 0:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	case h&headerLen16 != 0:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(length))
	default:
		buf = append(buf, byte(length))
	}

	return buf
}

// EncodeRecord validates values against the schema and returns a complete
// record frame. The number of values and each value's Go type must match
// the field list exactly.
func EncodeRecord(s *Schema, ts float64, values ...any) ([]byte, error) {
	buf := make([]byte, 0, s.RecordSize()+7)
	buf = frameHeader(buf, s.ID(), s.RecordSize(), false)

	return appendPayload(buf, s, ts, values)
}

func appendPayload(buf []byte, s *Schema, ts float64, values []any) ([]byte, error) {
	errFactory := errors.New()

	if len(values) != s.Len() {
		return nil, errFactory.WithData(ErrRecordMismatch, struct {
			Stream   string
			Expected int
			Got      int
		}{s.Name(), s.Len(), len(values)})
	}

	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ts))
	for i, v := range values {
		f := s.fields[i]

		ok := true
		switch f.Type {
		case Byte:
			var b uint8
			if b, ok = v.(uint8); ok {
				buf = append(buf, b)
			}
		case Word:
			var w uint16
			if w, ok = v.(uint16); ok {
				buf = binary.LittleEndian.AppendUint16(buf, w)
			}
		case Int:
			var n int32
			if n, ok = v.(int32); ok {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
			}
		case Double:
			var d float64
			if d, ok = v.(float64); ok {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(d))
			}
		}

		if !ok {
			return nil, errFactory.WithData(ErrRecordMismatch, struct {
				Stream string
				Field  string
				Type   string
				Value  any
			}{s.Name(), f.Name, f.Type.String(), v})
		}
	}

	return buf, nil
}

// DecodePayload decodes a record body (timestamp and fields).
func DecodePayload(s *Schema, payload []byte) (Record, error) {
	if len(payload) != s.RecordSize() {
		return Record{}, errors.New().WithData(ErrRecordSize, struct {
			Stream   string
			Expected int
			Got      int
		}{s.Name(), s.RecordSize(), len(payload)})
	}

	r := Record{
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(payload)),
		Values:    make([]any, len(s.fields)),
	}

	off := timestampSize
	for i, f := range s.fields {
		switch f.Type {
		case Byte:
			r.Values[i] = payload[off]
		case Word:
			r.Values[i] = binary.LittleEndian.Uint16(payload[off:])
		case Int:
			r.Values[i] = int32(binary.LittleEndian.Uint32(payload[off:]))
		case Double:
			r.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[off:]))
		}
		off += f.Type.Size()
	}

	return r, nil
}

// encodeHandshake renders the stream list sent once to each new client.
func encodeHandshake(schemas []*Schema) ([]byte, error) {
	buf := append([]byte{}, magicStreams[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(schemas)))

	for _, s := range schemas {
		def, err := json.Marshal(s.Definition())
		if err != nil {
			return nil, errors.New().Wrap(ErrProtocol, err)
		}
		buf = append(buf, magicDefinition[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(def)))
		buf = append(buf, def...)
	}

	return buf, nil
}

func readMagic(r io.Reader, want [4]byte) (uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	if [4]byte(hdr[:4]) != want {
		return 0, errors.New().WithData(ErrProtocol, struct {
			Expected string
			Got      string
		}{string(want[:]), string(hdr[:4])})
	}

	return binary.LittleEndian.Uint32(hdr[4:]), nil
}

func readHandshake(r io.Reader) ([]*Schema, error) {
	errFactory := errors.New()

	count, err := readMagic(r, magicStreams)
	if err != nil {
		return nil, err
	}

	schemas := make([]*Schema, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := readMagic(r, magicDefinition)
		if err != nil {
			return nil, err
		}
		if size > maxDefinitionSize {
			return nil, errFactory.WithData(ErrProtocol, size)
		}

		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}

		var def Definition
		if err := json.Unmarshal(body, &def); err != nil {
			return nil, errFactory.Wrap(ErrProtocol, err)
		}
		s, err := SchemaFromDefinition(def)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}

	return schemas, nil
}

// fetchRequest asks the server to replay stored records of one stream.
type fetchRequest struct {
	ID     uint32
	Stream uint16
	From   float64
	To     float64
}

func (f fetchRequest) encode() []byte {
	buf := append([]byte{}, magicFetch[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, fetchRequestSize)
	buf = binary.LittleEndian.AppendUint32(buf, f.ID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Stream))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.From))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.To))

	return buf
}

func readFetchRequest(r io.Reader) (fetchRequest, error) {
	size, err := readMagic(r, magicFetch)
	if err != nil {
		return fetchRequest{}, err
	}
	if size != fetchRequestSize {
		return fetchRequest{}, errors.New().WithData(ErrProtocol, size)
	}

	var b [fetchRequestSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fetchRequest{}, err
	}

	return fetchRequest{
		ID:     binary.LittleEndian.Uint32(b[0:]),
		Stream: uint16(binary.LittleEndian.Uint32(b[4:])),
		From:   math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		To:     math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
	}, nil
}

// fetchComplete ends the replay of a fetch request. ServedTo is the
// newest timestamp the server had logged when it answered.
type fetchComplete struct {
	ID       uint32
	Count    uint32
	ServedTo float64
}

func (f fetchComplete) encode() []byte {
	buf := []byte{headerControl}
	buf = binary.LittleEndian.AppendUint32(buf, f.ID)
	buf = binary.LittleEndian.AppendUint32(buf, f.Count)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.ServedTo))

	return buf
}

// frame is one server to client message after the handshake.
type frame struct {
	control  bool
	replay   bool
	streamID uint16
	payload  []byte
	complete fetchComplete
}

// readFrameBody reads the rest of a frame whose header byte was already
// consumed.
func readFrameBody(r *bufio.Reader, h byte) (frame, error) {
	if h&headerControl != 0 {
		var b [fetchCompleteSize]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return frame{}, err
		}

		return frame{control: true, complete: fetchComplete{
			ID:       binary.LittleEndian.Uint32(b[0:]),
			Count:    binary.LittleEndian.Uint32(b[4:]),
			ServedTo: math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		}}, nil
	}

	f := frame{replay: h&headerReplay != 0}

	var b [4]byte
	if h&headerWideID != 0 {
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return frame{}, err
		}
		f.streamID = binary.LittleEndian.Uint16(b[:2])
	} else {
		id, err := r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		f.streamID = uint16(id)
	}

	var length int
	switch {
	case h&headerLen32 != 0:
		if _, err := io.ReadFull(r, b[:4]); err != nil {
			return frame{}, err
		}
		length = int(binary.LittleEndian.Uint32(b[:4]))
	case h&headerLen16 != 0:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return frame{}, err
		}
		length = int(binary.LittleEndian.Uint16(b[:2]))
	default:
		n, err := r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		length = int(n)
	}

	if length > maxDefinitionSize {
		return frame{}, errors.New().WithData(ErrProtocol, length)
	}

	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, err
	}

	return f, nil
}
