// Package channel implements the shared store that stands in for a message channel between
// the client and the server, and the watcher both sides use to wait for records.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Well-known record names.
const (
	Params        = "params.json"
	PublicKey     = "pub_key.dat"
	SecretKey     = "secret_key.dat"
	RelinKeys     = "relin_keys.dat"
	Request       = "request.txt"
	Response      = "response.txt"
	Failure       = "failure.txt"
	CipherInfo    = "ciphertext_info.txt"
	CipherSize    = "ciphertext_size.txt"
	CipherBinary  = "ciphertext_binary.dat"
	recordVersion = "ckks-record/1"
)

// Common errors.
var (
	ErrNotFound        = errors.New("record not found")
	ErrMalformedRecord = errors.New("malformed record")
	ErrInvalidName     = errors.New("invalid record name")
	ErrSuperseded      = errors.New("record superseded")
	ErrRecordTooLarge  = errors.New("record too large")
)

// MaxRecordSize bounds a framed record. The largest artifact under the default parameters,
// the relinearization key, is under 2 MiB.
const MaxRecordSize = 16 << 20

func checkSize(name string, n, limit int64) error {
	if n > limit {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrRecordTooLarge, name, n, limit)
	}
	return nil
}

// unreadable marks an oversized stored record as malformed, so readers treat it as absent.
func unreadable(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
}

// Record is a named payload. Seq is assigned by the store and increases per name; ID is
// chosen by the producer and Ref points at the ID of the record being answered.
type Record struct {
	Name    string
	Seq     uint64
	ID      string
	Ref     string
	Payload []byte
}

func field(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func unfield(v string) string {
	if v == "-" {
		return ""
	}
	return v
}

// encode frames the record as one header line followed by the raw payload.
func encode(r Record) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s seq=%d id=%s ref=%s\n", recordVersion, r.Seq, field(r.ID), field(r.Ref))
	buf.Write(r.Payload)
	return buf.Bytes()
}

// framedSize bounds len(encode(r)) for any sequence number.
func framedSize(r Record) int64 {
	const maxSeqDigits = 20
	header := len(recordVersion) + len(" seq=") + maxSeqDigits + len(" id=") + len(field(r.ID)) +
		len(" ref=") + len(field(r.Ref)) + 1
	return int64(header + len(r.Payload))
}

func decode(name string, data []byte) (Record, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return Record{}, fmt.Errorf("%w: %s: no header", ErrMalformedRecord, name)
	}

	parts := strings.Fields(string(data[:nl]))
	if len(parts) != 4 || parts[0] != recordVersion {
		return Record{}, fmt.Errorf("%w: %s: bad header %q", ErrMalformedRecord, name, data[:nl])
	}

	r := Record{Name: name}
	for _, kv := range parts[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Record{}, fmt.Errorf("%w: %s: bad field %q", ErrMalformedRecord, name, kv)
		}
		switch k {
		case "seq":
			seq, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("%w: %s: seq: %v", ErrMalformedRecord, name, err)
			}
			r.Seq = seq
		case "id":
			r.ID = unfield(v)
		case "ref":
			r.Ref = unfield(v)
		default:
			return Record{}, fmt.Errorf("%w: %s: unknown field %q", ErrMalformedRecord, name, k)
		}
	}

	r.Payload = append([]byte(nil), data[nl+1:]...)
	return r, nil
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
