// Package tagcodec implements the reversible encoding of arbitrary UTF-8
// cache keys into OCI-compliant image tags, plus a base32-dnssec fallback
// decoder used when older tags were produced by a different encoding.
package tagcodec

import (
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"

	"github.com/linyinfeng/oranc/internal/ocerr"
)

// alphabet is the 64-symbol custom encoding table, in the exact required
// order: digits, lowercase, uppercase, then '-' and '.'.
const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-."

const escape = '_'

// symbolValue maps a symbol byte back to its 0..63 index; built once at
// package load, the lazy-singleton idiom for the inverse lookup table.
var symbolValue = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = int8(i)
	}
	return t
}()

// dnssecEncoding is the base32 extended-hex alphabet ("0-9a-v"), no padding.
// encoding/base32's predefined HexEncoding is exactly this alphabet; the
// fallback format additionally requires lowercase output and
// case-insensitive input, so the encoding is wrapped accordingly.
var dnssecEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// tagGrammar validates the OCI reference tag grammar.
var tagGrammar = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// EncodeCustom implements the primary "custom" encoding of spec §4.1.
func EncodeCustom(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '.':
			if b.Len() == 0 {
				writeEscaped(&b, r)
			} else {
				b.WriteRune(r)
			}
		default:
			writeEscaped(&b, r)
		}
	}
	return b.String()
}

// writeEscaped writes `_<digits>_` where digits is r's code point in base 64
// over the custom alphabet, most-significant symbol first, no leading zero
// symbol.
func writeEscaped(b *strings.Builder, r rune) {
	b.WriteByte(escape)
	cp := uint32(r)
	var digits []byte
	for cp > 0 {
		digits = append(digits, alphabet[cp&0x3f])
		cp >>= 6
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	b.WriteByte(escape)
}

// DecodeCustom is the inverse of EncodeCustom.
func DecodeCustom(tag string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tag) {
		c := tag[i]
		if c == escape {
			j := i + 1
			for j < len(tag) && tag[j] != escape {
				j++
			}
			if j >= len(tag) {
				return "", ocerr.New(ocerr.DecodeFailure, "unterminated escape sequence")
			}
			var cp uint32
			if j == i+1 {
				return "", ocerr.New(ocerr.DecodeFailure, "empty escape sequence")
			}
			for k := i + 1; k < j; k++ {
				v := symbolValue[tag[k]]
				if v < 0 {
					return "", ocerr.New(ocerr.DecodeFailure, fmt.Sprintf("unknown symbol %q in escape sequence", tag[k]))
				}
				cp = cp<<6 | uint32(v)
			}
			if cp == 0 || cp > 0x10FFFF {
				return "", ocerr.New(ocerr.DecodeFailure, "escape sequence out of range")
			}
			b.WriteRune(rune(cp))
			i = j + 1
			continue
		}
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '.' {
			b.WriteByte(c)
			i++
			continue
		}
		return "", ocerr.New(ocerr.DecodeFailure, fmt.Sprintf("unexpected character %q", c))
	}
	return b.String(), nil
}

// EncodeDNSSEC implements the base32-dnssec fallback encoding: lowercase
// extended-hex base32 over the raw UTF-8 bytes, no padding.
func EncodeDNSSEC(key string) string {
	return strings.ToLower(dnssecEncoding.EncodeToString([]byte(key)))
}

// DecodeDNSSEC decodes a base32-dnssec tag, accepting either case.
func DecodeDNSSEC(tag string) (string, error) {
	data, err := dnssecEncoding.DecodeString(strings.ToUpper(tag))
	if err != nil {
		return "", ocerr.Wrap(ocerr.DecodeFailure, "base32-dnssec decode failed", err)
	}
	if !isValidUTF8(data) {
		return "", ocerr.New(ocerr.FromUTF8, "decoded bytes are not valid UTF-8")
	}
	return string(data), nil
}

func isValidUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "") == string(b)
}

// Encoding identifies one of the supported tag encodings.
type Encoding int

const (
	Custom Encoding = iota
	DNSSEC
)

func encodeWith(enc Encoding, key string) string {
	switch enc {
	case DNSSEC:
		return EncodeDNSSEC(key)
	default:
		return EncodeCustom(key)
	}
}

func decodeWith(enc Encoding, tag string) (string, error) {
	switch enc {
	case DNSSEC:
		return DecodeDNSSEC(tag)
	default:
		return DecodeCustom(tag)
	}
}

// Codec is configured with one primary encoding and an ordered list of
// fallback encodings, used only for read-side lookup.
type Codec struct {
	Primary   Encoding
	Fallbacks []Encoding
}

// New returns the default codec: custom primary, base32-dnssec fallback.
func New() Codec {
	return Codec{Primary: Custom, Fallbacks: []Encoding{DNSSEC}}
}

// KeyToTag returns the primary tag and the ordered list of fallback tags for
// a key. The primary tag is validated against the OCI tag grammar and
// against the 128-character length cap.
func (c Codec) KeyToTag(key string) (primary string, fallbacks []string, err error) {
	primary = encodeWith(c.Primary, key)
	if len(primary) > 128 {
		return "", nil, ocerr.New(ocerr.InvalidTag, "encoded tag exceeds 128 characters")
	}
	if !tagGrammar.MatchString(primary) {
		return "", nil, ocerr.New(ocerr.InvalidTag, fmt.Sprintf("encoded tag %q does not match the OCI tag grammar", primary))
	}
	for _, fb := range c.Fallbacks {
		fallbacks = append(fallbacks, encodeWith(fb, key))
	}
	return primary, fallbacks, nil
}

// TagToKey tries the primary encoding first, then each fallback in order.
// On total failure it returns an aggregated ocerr.TagToKey error listing
// every sub-error.
func (c Codec) TagToKey(tag string) (string, error) {
	if key, err := decodeWith(c.Primary, tag); err == nil {
		return key, nil
	} else {
		errs := []error{err}
		for _, fb := range c.Fallbacks {
			if key, err := decodeWith(fb, tag); err == nil {
				return key, nil
			} else {
				errs = append(errs, err)
			}
		}
		return "", ocerr.Aggregate(ocerr.TagToKey, fmt.Sprintf("no encoding could decode tag %q", tag), errs)
	}
}
