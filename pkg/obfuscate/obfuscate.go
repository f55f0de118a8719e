// Package obfuscate hides passwords stored in config files from casual glances.
// It is reversible by anyone and must not be mistaken for encryption.
package obfuscate

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"github.com/pkg/errors"
	"io"
)

// Rounds is the default number of base64+zlib rounds.
const Rounds = 5

// Obfuscate runs rounds times base64 encoding, byte reversal and zlib compression on s
// and returns the base64 encoding of the result.
func Obfuscate(s string, rounds int) (string, error) {
	data := []byte(s)

	for i := 0; i < rounds; i++ {
		encoded := []byte(base64.StdEncoding.EncodeToString(data))
		reverse(encoded)

		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(encoded); err != nil {
			return "", errors.Wrap(err, "can't compress")
		}
		if err := zw.Close(); err != nil {
			return "", errors.Wrap(err, "can't compress")
		}

		data = buf.Bytes()
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// Deobfuscate reverses Obfuscate.
func Deobfuscate(s string, rounds int) (string, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", errors.Wrap(err, "can't decode base64")
	}

	for i := 0; i < rounds; i++ {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", errors.Wrapf(err, "can't decompress round %d", i+1)
		}

		inflated, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return "", errors.Wrapf(err, "can't decompress round %d", i+1)
		}

		reverse(inflated)

		data, err = base64.StdEncoding.DecodeString(string(inflated))
		if err != nil {
			return "", errors.Wrapf(err, "can't decode base64 in round %d", i+1)
		}
	}

	return string(data), nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
