package objlink

// frame.go: one wire frame in, one wire frame out.
//
// frame layout (all integers little-endian):
//
// 1. messageID:      4 bytes, int32. 0 means none.
// 2. inResponseToID: 4 bytes, int32. 0 means none.
// 3. typeCode:       1 byte. Empty and DBNull frames end here.
// 4. codePage:       4 bytes, int32 text encoding id.
// 5. typeNameLen + typeName: only for TcObject; length-prefixed
//    bytes in codePage.
// 6. contentLen + content: payload bytes.
//
// A frame is always emitted with a single conn.Write. On the read side
// the whole frame is consumed before any payload decode is attempted,
// so a bad payload never desynchronizes the stream.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

type TypeCode byte

const (
	TcEmpty    TypeCode = 0
	TcObject   TypeCode = 1
	TcDBNull   TypeCode = 2
	TcBoolean  TypeCode = 3
	TcChar     TypeCode = 4
	TcSByte    TypeCode = 5
	TcByte     TypeCode = 6
	TcInt16    TypeCode = 7
	TcUInt16   TypeCode = 8
	TcInt32    TypeCode = 9
	TcUInt32   TypeCode = 10
	TcInt64    TypeCode = 11
	TcUInt64   TypeCode = 12
	TcSingle   TypeCode = 13
	TcDouble   TypeCode = 14
	TcDecimal  TypeCode = 15
	TcDateTime TypeCode = 16
	TcString   TypeCode = 18
)

func (tc TypeCode) String() string {
	switch tc {
	case TcEmpty:
		return "Empty"
	case TcObject:
		return "Object"
	case TcDBNull:
		return "DBNull"
	case TcBoolean:
		return "Boolean"
	case TcChar:
		return "Char"
	case TcSByte:
		return "SByte"
	case TcByte:
		return "Byte"
	case TcInt16:
		return "Int16"
	case TcUInt16:
		return "UInt16"
	case TcInt32:
		return "Int32"
	case TcUInt32:
		return "UInt32"
	case TcInt64:
		return "Int64"
	case TcUInt64:
		return "UInt64"
	case TcSingle:
		return "Single"
	case TcDouble:
		return "Double"
	case TcDecimal:
		return "Decimal"
	case TcDateTime:
		return "DateTime"
	case TcString:
		return "String"
	}
	return fmt.Sprintf("TypeCode(%d)", byte(tc))
}

// rawBytesTypeName marks an Object frame whose content bypasses the
// serializer in both directions.
const rawBytesTypeName = "byte[]"

// DBNull is the explicit database-null sentinel. Writing it produces a
// DBNull frame; the reader surfaces both Empty and DBNull as nil.
var DBNull = dbNull{}

type dbNull struct{}

// Char is a single UTF character carried as a Char frame. A bare Go
// rune would be indistinguishable from int32 on the wire.
type Char rune

// Decimal is an exact base-10 quantity carried in its textual form.
type Decimal string

// Frame is the decoded wire envelope. Content is still the raw payload
// bytes; decodeValue turns it into a Go value.
type Frame struct {
	MessageID      int32
	InResponseToID int32
	Type           TypeCode
	CodePage       int32
	TypeName       string
	Content        []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("&Frame{MessageID:%v, InResponseToID:%v, Type:%v, CodePage:%v, TypeName:%q, len %v Content}",
		f.MessageID, f.InResponseToID, f.Type, f.CodePage, f.TypeName, len(f.Content))
}

// correlated reports whether the frame participates in the RMI
// subsystem (a "track message") rather than being a plain
// application message.
func (f *Frame) correlated() bool {
	return f.MessageID != 0 || f.InResponseToID != 0
}

// Framer serializes and deserializes single frames against a
// net.Conn. One Framer per connection; it is not itself goroutine
// safe, callers hold the connection's read or write mutex.
type Framer struct {
	cp  int32 // text encoding for frames we send
	ser Serializer
	reg *TypeRegistry
	max int // refuse frames larger than this
}

func newFramer(cfg *Config) *Framer {
	return &Framer{
		cp:  cfg.Encoding,
		ser: cfg.Serializer,
		reg: cfg.Registry,
		max: cfg.MaxMessageBytes,
	}
}

// encodeFrame maps a Go value onto its wire envelope. A failure to
// serialize an Object payload comes back as a *SerializationError
// carrying the correlation ids, so the caller can attribute it.
func (fr *Framer) encodeFrame(msgID, inResponseToID int32, v any) (*Frame, error) {
	f := &Frame{
		MessageID:      msgID,
		InResponseToID: inResponseToID,
		CodePage:       fr.cp,
	}
	text := func(s string) error {
		by, err := encodeText(fr.cp, s)
		if err != nil {
			return &SerializationError{MessageID: msgID, InResponseToID: inResponseToID, Cause: err}
		}
		f.Content = by
		return nil
	}
	switch x := v.(type) {
	case nil:
		f.Type = TcEmpty
		return f, nil
	case dbNull:
		f.Type = TcDBNull
		return f, nil
	case bool:
		f.Type = TcBoolean
		return f, text(strconv.FormatBool(x))
	case Char:
		f.Type = TcChar
		return f, text(string(rune(x)))
	case int8:
		f.Type = TcSByte
		return f, text(strconv.FormatInt(int64(x), 10))
	case uint8:
		f.Type = TcByte
		return f, text(strconv.FormatUint(uint64(x), 10))
	case int16:
		f.Type = TcInt16
		return f, text(strconv.FormatInt(int64(x), 10))
	case uint16:
		f.Type = TcUInt16
		return f, text(strconv.FormatUint(uint64(x), 10))
	case int32:
		f.Type = TcInt32
		return f, text(strconv.FormatInt(int64(x), 10))
	case uint32:
		f.Type = TcUInt32
		return f, text(strconv.FormatUint(uint64(x), 10))
	case int64:
		f.Type = TcInt64
		return f, text(strconv.FormatInt(x, 10))
	case uint64:
		f.Type = TcUInt64
		return f, text(strconv.FormatUint(x, 10))
	case int:
		f.Type = TcInt64
		return f, text(strconv.FormatInt(int64(x), 10))
	case uint:
		f.Type = TcUInt64
		return f, text(strconv.FormatUint(uint64(x), 10))
	case float32:
		f.Type = TcSingle
		return f, text(strconv.FormatFloat(float64(x), 'g', -1, 32))
	case float64:
		f.Type = TcDouble
		return f, text(strconv.FormatFloat(x, 'g', -1, 64))
	case Decimal:
		f.Type = TcDecimal
		return f, text(string(x))
	case time.Time:
		f.Type = TcDateTime
		return f, text(x.Format(time.RFC3339Nano))
	case string:
		f.Type = TcString
		return f, text(x)
	case []byte:
		f.Type = TcObject
		f.TypeName = rawBytesTypeName
		f.Content = x
		return f, nil
	}
	// everything else rides as an Object payload through the serializer.
	name, err := fr.reg.NameFor(v)
	if err != nil {
		return nil, &SerializationError{MessageID: msgID, InResponseToID: inResponseToID,
			TypeNotFound: true, TypeName: fmt.Sprintf("%T", v), Cause: err}
	}
	by, err := fr.ser.Marshal(v)
	if err != nil {
		return nil, &SerializationError{TypeName: name,
			MessageID: msgID, InResponseToID: inResponseToID, Cause: err}
	}
	f.Type = TcObject
	f.TypeName = name
	f.Content = by
	return f, nil
}

// decodeValue turns a fully-read frame back into a Go value.
// Errors here are always recoverable: the stream is already past
// this frame.
func (fr *Framer) decodeValue(f *Frame) (any, error) {
	serErr := func(cause error, notFound bool) error {
		return &SerializationError{
			TypeName:       f.TypeName,
			MessageID:      f.MessageID,
			InResponseToID: f.InResponseToID,
			TypeNotFound:   notFound,
			Cause:          cause,
		}
	}
	var text string
	switch f.Type {
	case TcEmpty, TcDBNull:
		return nil, nil
	case TcObject:
		// raw bytes bypass the serializer entirely.
		if f.TypeName == rawBytesTypeName {
			return f.Content, nil
		}
		if !fr.reg.Known(f.TypeName) {
			return nil, serErr(fmt.Errorf("no type registered under %q", f.TypeName), true)
		}
		v, err := fr.ser.Unmarshal(f.Content, f.TypeName)
		if err != nil {
			return nil, serErr(err, false)
		}
		return v, nil
	default:
		s, err := decodeText(f.CodePage, f.Content)
		if err != nil {
			return nil, serErr(err, false)
		}
		text = s
	}
	switch f.Type {
	case TcBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, serErr(err, false)
		}
		return b, nil
	case TcChar:
		rs := []rune(text)
		if len(rs) != 1 {
			return nil, serErr(fmt.Errorf("Char frame held %v runes", len(rs)), false)
		}
		return Char(rs[0]), nil
	case TcSByte:
		n, err := strconv.ParseInt(text, 10, 8)
		if err != nil {
			return nil, serErr(err, false)
		}
		return int8(n), nil
	case TcByte:
		n, err := strconv.ParseUint(text, 10, 8)
		if err != nil {
			return nil, serErr(err, false)
		}
		return uint8(n), nil
	case TcInt16:
		n, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return nil, serErr(err, false)
		}
		return int16(n), nil
	case TcUInt16:
		n, err := strconv.ParseUint(text, 10, 16)
		if err != nil {
			return nil, serErr(err, false)
		}
		return uint16(n), nil
	case TcInt32:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, serErr(err, false)
		}
		return int32(n), nil
	case TcUInt32:
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return nil, serErr(err, false)
		}
		return uint32(n), nil
	case TcInt64:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, serErr(err, false)
		}
		return n, nil
	case TcUInt64:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, serErr(err, false)
		}
		return n, nil
	case TcSingle:
		g, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, serErr(err, false)
		}
		return float32(g), nil
	case TcDouble:
		g, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, serErr(err, false)
		}
		return g, nil
	case TcDecimal:
		return Decimal(text), nil
	case TcDateTime:
		tm, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, serErr(err, false)
		}
		return tm, nil
	case TcString:
		return text, nil
	}
	// readFrame already refused unknown codes; unreachable.
	return nil, serErr(fmt.Errorf("unhandled TypeCode %v", f.Type), false)
}

// writeFrame emits f with a single conn.Write.
func (fr *Framer) writeFrame(conn net.Conn, f *Frame, timeout *time.Duration) error {
	var buf bytes.Buffer
	var le [4]byte

	putInt32 := func(n int32) {
		binary.LittleEndian.PutUint32(le[:], uint32(n))
		buf.Write(le[:])
	}

	putInt32(f.MessageID)
	putInt32(f.InResponseToID)
	buf.WriteByte(byte(f.Type))

	if f.Type != TcEmpty && f.Type != TcDBNull {
		putInt32(f.CodePage)
		if f.Type == TcObject {
			nameBytes, err := encodeText(f.CodePage, f.TypeName)
			if err != nil {
				return &SerializationError{TypeName: f.TypeName,
					MessageID: f.MessageID, InResponseToID: f.InResponseToID, Cause: err}
			}
			putInt32(int32(len(nameBytes)))
			buf.Write(nameBytes)
		}
		if len(f.Content) > fr.max {
			return &ProtocolError{Detail: fmt.Sprintf("content length %v over limit %v", len(f.Content), fr.max)}
		}
		putInt32(int32(len(f.Content)))
		buf.Write(f.Content)
	}
	if err := writeFull(conn, buf.Bytes(), timeout); err != nil {
		return &ConnectionBrokenError{Cause: err}
	}
	return nil
}

// readFrame reads the fixed 9-byte header and then the variable
// fields the TypeCode calls for. An EOF or I/O error mid-frame is a
// ConnectionBrokenError; an inconsistent length or unknown TypeCode
// is a ProtocolError. Both are fatal. Payload decode problems are
// not detected here; decodeValue reports those per frame.
func (fr *Framer) readFrame(conn net.Conn, timeout *time.Duration) (*Frame, error) {
	if timeout != nil && *timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(*timeout))
	}
	// the header is read byte-counted so that EOF on a frame
	// boundary (a clean remote close) stays distinguishable from
	// EOF mid-frame (a broken connection).
	hdr := make([]byte, 9)
	total := 0
	for total < len(hdr) {
		n, err := conn.Read(hdr[total:])
		total += n
		if total == len(hdr) {
			break
		}
		if err != nil {
			if total == 0 && err == io.EOF {
				return nil, errRemoteClosed
			}
			return nil, &ConnectionBrokenError{Cause: err}
		}
	}
	f := &Frame{
		MessageID:      int32(binary.LittleEndian.Uint32(hdr[0:4])),
		InResponseToID: int32(binary.LittleEndian.Uint32(hdr[4:8])),
		Type:           TypeCode(hdr[8]),
	}
	switch f.Type {
	case TcEmpty, TcDBNull:
		return f, nil
	case TcObject, TcBoolean, TcChar, TcSByte, TcByte, TcInt16, TcUInt16,
		TcInt32, TcUInt32, TcInt64, TcUInt64, TcSingle, TcDouble,
		TcDecimal, TcDateTime, TcString:
		// fall through to the long form below.
	default:
		return nil, &ProtocolError{Detail: fmt.Sprintf("unknown TypeCode %v", byte(f.Type))}
	}

	readInt32 := func() (int32, error) {
		var b [4]byte
		if err := readFull(conn, b[:], timeout); err != nil {
			return 0, err
		}
		return int32(binary.LittleEndian.Uint32(b[:])), nil
	}

	cp, err := readInt32()
	if err != nil {
		return nil, &ConnectionBrokenError{Cause: err}
	}
	f.CodePage = cp

	if f.Type == TcObject {
		nameLen, err := readInt32()
		if err != nil {
			return nil, &ConnectionBrokenError{Cause: err}
		}
		if nameLen < 0 || int(nameLen) > fr.max {
			return nil, &ProtocolError{Detail: fmt.Sprintf("type name length %v out of range", nameLen)}
		}
		nameBytes := make([]byte, nameLen)
		if err := readFull(conn, nameBytes, timeout); err != nil {
			return nil, &ConnectionBrokenError{Cause: err}
		}
		name, err := decodeText(cp, nameBytes)
		if err != nil {
			return nil, &ProtocolError{Detail: fmt.Sprintf("undecodable type name in codepage %v: %v", cp, err)}
		}
		f.TypeName = name
	}

	contentLen, err := readInt32()
	if err != nil {
		return nil, &ConnectionBrokenError{Cause: err}
	}
	if contentLen < 0 || int(contentLen) > fr.max {
		return nil, &ProtocolError{Detail: fmt.Sprintf("content length %v out of range (max %v)", contentLen, fr.max)}
	}
	f.Content = make([]byte, contentLen)
	if err := readFull(conn, f.Content, timeout); err != nil {
		return nil, &ConnectionBrokenError{Cause: err}
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes from conn.
// nil or 0 timeout means no timeout.
func readFull(conn net.Conn, buf []byte, timeout *time.Duration) error {
	if timeout != nil && *timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(*timeout))
	}
	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Read(buf[total:])
		total += n
		if total == need {
			// probably just EOF
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all bytes in buf to conn.
// nil or 0 timeout means no timeout.
func writeFull(conn net.Conn, buf []byte, timeout *time.Duration) error {
	if timeout != nil && *timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(*timeout))
	}
	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
