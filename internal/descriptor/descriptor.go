// Package descriptor models the archive descriptor (narinfo) written and
// read by the pusher and the gateway: its canonical textual serialization
// and the fingerprint bytes that a signing key signs.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linyinfeng/oranc/internal/ocerr"
	"github.com/linyinfeng/oranc/internal/signature"
)

// Hash is an (algorithm, base32) pair, formatted as "algo:base32string".
type Hash struct {
	Algorithm string
	Base32    string
}

func (h Hash) String() string { return h.Algorithm + ":" + h.Base32 }

func ParseHash(s string) (Hash, error) {
	algo, b32, ok := strings.Cut(s, ":")
	if !ok {
		return Hash{}, ocerr.New(ocerr.DecodeFailure, "hash must be algo:base32string")
	}
	return Hash{Algorithm: algo, Base32: b32}, nil
}

// Descriptor is the archive descriptor model: store path, URL, sizes,
// hashes, stripped references, optional stripped deriver, signatures, and
// an optional opaque content-addressing field.
type Descriptor struct {
	StorePath   string
	URL         string
	Compression string
	FileHash    Hash
	FileSize    int64
	NarHash     Hash
	NarSize     int64
	References  []string
	Deriver     string
	Sigs        signature.List
	CA          string
}

// Fingerprint returns the literal pre-image bytes signed by a signing key:
// "1;<store_path>;<nar_hash_algo>:<nar_hash_base32>;<nar_size>;<ref_1>,<ref_2>,..."
// where each reference is the full store path (not stripped).
func Fingerprint(storePath string, narHash Hash, narSize int64, fullReferences []string) []byte {
	return []byte(fmt.Sprintf("1;%s;%s;%d;%s", storePath, narHash.String(), narSize, strings.Join(fullReferences, ",")))
}

// Marshal renders the canonical textual form: fixed field order, LF line
// terminators, Deriver/Sig lines present only when applicable, CA present
// only if set.
func (d Descriptor) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", d.StorePath)
	fmt.Fprintf(&b, "URL: %s\n", d.URL)
	fmt.Fprintf(&b, "Compression: %s\n", d.Compression)
	fmt.Fprintf(&b, "FileHash: %s\n", d.FileHash.String())
	fmt.Fprintf(&b, "FileSize: %d\n", d.FileSize)
	fmt.Fprintf(&b, "NarHash: %s\n", d.NarHash.String())
	fmt.Fprintf(&b, "NarSize: %d\n", d.NarSize)
	fmt.Fprintf(&b, "References: %s\n", strings.Join(d.References, " "))
	if d.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", d.Deriver)
	}
	for _, s := range d.Sigs {
		fmt.Fprintf(&b, "Sig: %s\n", s.String())
	}
	if d.CA != "" {
		fmt.Fprintf(&b, "CA: %s\n", d.CA)
	}
	return b.String()
}

// Unmarshal parses the canonical textual form back into a Descriptor.
func Unmarshal(text string) (Descriptor, error) {
	var d Descriptor
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return Descriptor{}, ocerr.New(ocerr.DecodeFailure, "malformed descriptor line: "+line)
		}
		var err error
		switch key {
		case "StorePath":
			d.StorePath = val
		case "URL":
			d.URL = val
		case "Compression":
			d.Compression = val
		case "FileHash":
			d.FileHash, err = ParseHash(val)
		case "FileSize":
			d.FileSize, err = strconv.ParseInt(val, 10, 64)
		case "NarHash":
			d.NarHash, err = ParseHash(val)
		case "NarSize":
			d.NarSize, err = strconv.ParseInt(val, 10, 64)
		case "References":
			if val != "" {
				d.References = strings.Split(val, " ")
			}
		case "Deriver":
			d.Deriver = val
		case "Sig":
			var sig signature.Signature
			sig, err = signature.Parse(val)
			if err == nil {
				d.Sigs = append(d.Sigs, sig)
			}
		case "CA":
			d.CA = val
		default:
			return Descriptor{}, ocerr.New(ocerr.DecodeFailure, "unknown descriptor field: "+key)
		}
		if err != nil {
			return Descriptor{}, ocerr.Wrap(ocerr.DecodeFailure, "parsing field "+key, err)
		}
	}
	return d, nil
}
