package session

import (
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"unicode/utf8"
)

// ToUTF8 converts body to UTF-8 according to contentType or the document itself.
// Bodies without any hint which are not valid UTF-8 are taken as Latin-1,
// as old CGIs tend to emit it without saying so.
func ToUTF8(body []byte, contentType string) []byte {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && utf8.Valid(body) {
		return body
	}

	if enc == unicode.UTF8 || name == "utf-8" {
		if utf8.Valid(body) {
			return body
		}

		enc = charmap.ISO8859_1
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}

	return decoded
}
