package hpack

import "github.com/rpctransport/rpctransport/pkg/errors"

// staticTable is present for completeness, matching RFC 7541 Appendix A; the
// core encoder below never emits an indexed reference into it (see
// EncodeLiteralHeader), only literal-without-indexing representations.
var staticTable = [62]struct{ name, value string }{
	{}, // index 0 unused
	{":authority", ""},
	{":method", "GET"},
	{":method", "POST"},
	{":path", "/"},
	{":path", "/index.html"},
	{":scheme", "http"},
	{":scheme", "https"},
	{":status", "200"},
	{":status", "204"},
	{":status", "206"},
	{":status", "304"},
	{":status", "400"},
	{":status", "404"},
	{":status", "500"},
	{"accept-charset", ""},
	{"accept-encoding", "gzip, deflate"},
	{"accept-language", ""},
	{"accept-ranges", ""},
	{"accept", ""},
	{"access-control-allow-origin", ""},
	{"age", ""},
	{"allow", ""},
	{"authorization", ""},
	{"cache-control", ""},
	{"content-disposition", ""},
	{"content-encoding", ""},
	{"content-language", ""},
	{"content-length", ""},
	{"content-location", ""},
	{"content-range", ""},
	{"content-type", ""},
	{"cookie", ""},
	{"date", ""},
	{"etag", ""},
	{"expect", ""},
	{"expires", ""},
	{"from", ""},
	{"host", ""},
	{"if-match", ""},
	{"if-modified-since", ""},
	{"if-none-match", ""},
	{"if-range", ""},
	{"if-unmodified-since", ""},
	{"last-modified", ""},
	{"link", ""},
	{"location", ""},
	{"max-forwards", ""},
	{"proxy-authenticate", ""},
	{"proxy-authorization", ""},
	{"range", ""},
	{"referer", ""},
	{"refresh", ""},
	{"retry-after", ""},
	{"server", ""},
	{"set-cookie", ""},
	{"strict-transport-security", ""},
	{"transfer-encoding", ""},
	{"user-agent", ""},
	{"vary", ""},
	{"via", ""},
	{"www-authenticate", ""},
}

// StaticTableSize is the fixed size of the RFC 7541 static table.
const StaticTableSize = len(staticTable)

// HeaderField is a decoded (or to-be-encoded) name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

// EncodeLiteralHeader encodes a single header field using the literal
// representation without indexing (0x00 prefix byte), the only
// representation this core emits: the 0x00 byte, then the HPACK-integer
// encoded name length (7-bit prefix), the name octets, the HPACK-integer
// encoded value length (7-bit prefix), and the value octets.
func EncodeLiteralHeader(f HeaderField) ([]byte, error) {
	nameLen, err := EncodeInteger(uint64(len(f.Name)), 7)
	if err != nil {
		return nil, err
	}
	valueLen, err := EncodeInteger(uint64(len(f.Value)), 7)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(nameLen)+len(f.Name)+len(valueLen)+len(f.Value))
	out = append(out, 0x00)
	out = append(out, nameLen...)
	out = append(out, f.Name...)
	out = append(out, valueLen...)
	out = append(out, f.Value...)
	return out, nil
}

// DecodeLiteralHeader decodes a single literal-without-indexing header
// field from input, returning the field and the number of bytes consumed.
func DecodeLiteralHeader(input []byte) (HeaderField, int, error) {
	if len(input) < 2 {
		return HeaderField{}, 0, errors.NewHPACKError("decode_literal_header_short", nil)
	}

	pos := 1 // skip the representation-type byte

	nameLen, n, err := DecodeInteger(input[pos:], 7)
	if err != nil {
		return HeaderField{}, 0, err
	}
	pos += n

	if pos+int(nameLen) > len(input) {
		return HeaderField{}, 0, errors.NewHPACKError("decode_literal_header_name_short", nil)
	}
	name := string(input[pos : pos+int(nameLen)])
	pos += int(nameLen)

	valueLen, n, err := DecodeInteger(input[pos:], 7)
	if err != nil {
		return HeaderField{}, 0, err
	}
	pos += n

	if pos+int(valueLen) > len(input) {
		return HeaderField{}, 0, errors.NewHPACKError("decode_literal_header_value_short", nil)
	}
	value := string(input[pos : pos+int(valueLen)])
	pos += int(valueLen)

	return HeaderField{Name: name, Value: value}, pos, nil
}

// EncodeFields encodes a list of header fields back to back, as a full
// HEADERS/CONTINUATION payload would carry them.
func EncodeFields(fields []HeaderField) ([]byte, error) {
	var out []byte
	for _, f := range fields {
		b, err := EncodeLiteralHeader(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeFields decodes a full HEADERS/CONTINUATION payload consisting of
// back-to-back literal-without-indexing fields.
func DecodeFields(input []byte) ([]HeaderField, error) {
	var fields []HeaderField
	pos := 0
	for pos < len(input) {
		f, n, err := DecodeLiteralHeader(input[pos:])
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
		pos += n
	}
	return fields, nil
}
