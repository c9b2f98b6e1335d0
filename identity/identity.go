// Package identity derives the stable content identity used as the
// checkpoint dedup key.
//
// The digest is computed over a canonical form of the content: if the text
// parses as JSON it is re-serialized with no extraneous whitespace and object
// keys in the order they were encountered, so differently-formatted but
// equivalent documents collapse to one identity. Text that does not parse is
// hashed verbatim.
//
// SHA-1 is not collision-resistant and is not meant to be here; the hash is a
// dedup key for realistic inputs, not a security boundary. Changing the
// algorithm invalidates every stored checkpoint identity, so it is fixed.
package identity

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Digest returns the lowercase-hex content identity for content.
// Deterministic and total: it never fails, malformed input is hashed raw.
func Digest(content string) string {
	hashed := content
	if canonical, err := Canonicalize(content); err == nil {
		hashed = canonical
	}
	sum := sha1.Sum([]byte(hashed))
	return hex.EncodeToString(sum[:])
}

// Canonicalize re-serializes a JSON document with minimal whitespace and
// object keys in encounter order. Returns an error if content is not a
// single valid JSON value.
func Canonicalize(content string) (string, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()

	var buf bytes.Buffer
	if err := writeValue(dec, &buf); err != nil {
		return "", err
	}
	// A single JSON value only: trailing data means no canonical form.
	if _, err := dec.Token(); err != io.EOF {
		return "", errors.New("identity: trailing data after JSON value")
	}
	return buf.String(), nil
}

func writeValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	return writeToken(dec, buf, tok)
}

func writeToken(dec *json.Decoder, buf *bytes.Buffer, tok json.Token) error {
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			buf.WriteByte('{')
			first := true
			for dec.More() {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, ok := keyTok.(string)
				if !ok {
					return fmt.Errorf("identity: object key %v is not a string", keyTok)
				}
				encoded, err := json.Marshal(key)
				if err != nil {
					return err
				}
				buf.Write(encoded)
				buf.WriteByte(':')
				if err := writeValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return err
			}
			buf.WriteByte('}')
		case '[':
			buf.WriteByte('[')
			first := true
			for dec.More() {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				if err := writeValue(dec, buf); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return err
			}
			buf.WriteByte(']')
		default:
			return fmt.Errorf("identity: unexpected delimiter %v", v)
		}
	case string:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("identity: unexpected token %v", tok)
	}
	return nil
}
