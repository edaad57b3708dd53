package objlink

// codepage.go: text encodings by numeric codepage id.
//
// Every frame names the encoding of its text fields with an int32
// codepage. The sender writes its configured codepage; the reader must
// honor whatever the frame carries. UTF-8 is the identity fast path;
// the rest go through golang.org/x/text transforms.

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

const (
	CodePageUTF8    int32 = 65001
	CodePageUTF16LE int32 = 1200
	CodePageUTF16BE int32 = 1201
	CodePageUTF32LE int32 = 12000
	CodePageUTF32BE int32 = 12001
	CodePageLatin1  int32 = 28591
)

var codePages = map[int32]encoding.Encoding{
	CodePageUTF16LE: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	CodePageUTF16BE: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	CodePageUTF32LE: utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM),
	CodePageUTF32BE: utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM),
	CodePageLatin1:  charmap.ISO8859_1,
	437:             charmap.CodePage437,
	850:             charmap.CodePage850,
	866:             charmap.CodePage866,
	1251:            charmap.Windows1251,
	1252:            charmap.Windows1252,
	20866:           charmap.KOI8R,
}

func codePageFor(cp int32) (encoding.Encoding, error) {
	enc, ok := codePages[cp]
	if !ok {
		return nil, fmt.Errorf("unsupported codepage %v", cp)
	}
	return enc, nil
}

func encodeText(cp int32, s string) ([]byte, error) {
	if cp == CodePageUTF8 {
		return []byte(s), nil
	}
	enc, err := codePageFor(cp)
	if err != nil {
		return nil, err
	}
	return enc.NewEncoder().Bytes([]byte(s))
}

func decodeText(cp int32, by []byte) (string, error) {
	if cp == CodePageUTF8 {
		return string(by), nil
	}
	enc, err := codePageFor(cp)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(by)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
