package wire

import (
	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16 converts s to UTF-16LE code units. Invalid UTF-8 sequences are
// replaced with U+FFFD by the encoder, so the conversion cannot fail.
func EncodeUTF16(s string) []byte {
	out, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// DecodeUTF16 converts UTF-16LE bytes back to a Go string. A trailing odd
// byte is ignored.
func DecodeUTF16(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}
