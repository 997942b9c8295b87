// Package compress implements the per-message compression codec: identity,
// gzip, and deflate, negotiated out-of-band via metadata (grpc-encoding /
// grpc-accept-encoding). Gzip and deflate differ in framing (RFC 1952 vs
// RFC 1951) and are not interchangeable, so each gets its own codepath:
// Gzip uses compress/gzip, Deflate uses compress/flate.
package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/rpctransport/rpctransport/pkg/errors"
)

// Algorithm identifies a per-message compression scheme.
type Algorithm string

const (
	Identity Algorithm = "identity"
	Gzip     Algorithm = "gzip"
	Deflate  Algorithm = "deflate"
)

// DefaultMaxDecompressedSize bounds decompressed output to guard against
// decompression bombs. Decompress uses it when passed a maxSize of zero; a
// negative maxSize disables the bound.
const DefaultMaxDecompressedSize = 64 * 1024 * 1024

// Compress encodes input using algorithm, running the encoder to
// end-of-stream.
func Compress(input []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case Identity, "":
		out := make([]byte, len(input))
		copy(out, input)
		return out, nil
	case Gzip:
		return compressGzip(input)
	case Deflate:
		return compressDeflate(input)
	default:
		return nil, errors.NewValidationError("unknown compression algorithm: " + string(algorithm))
	}
}

// Decompress decodes input using algorithm. maxSize bounds the output size;
// pass 0 to use DefaultMaxDecompressedSize, or a negative value to disable
// the bound entirely.
func Decompress(input []byte, algorithm Algorithm, maxSize int64) ([]byte, error) {
	switch algorithm {
	case Identity, "":
		out := make([]byte, len(input))
		copy(out, input)
		return out, nil
	case Gzip:
		return decompressReader(func() (io.ReadCloser, error) {
			return gzip.NewReader(bytes.NewReader(input))
		}, maxSize)
	case Deflate:
		return decompressReader(func() (io.ReadCloser, error) {
			return flate.NewReader(bytes.NewReader(input)), nil
		}, maxSize)
	default:
		return nil, errors.NewValidationError("unknown compression algorithm: " + string(algorithm))
	}
}

func compressGzip(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(input); err != nil {
		return nil, errors.NewIOError("gzip compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.NewIOError("gzip compress close", err)
	}
	return buf.Bytes(), nil
}

func compressDeflate(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, errors.NewIOError("deflate compress", err)
	}
	if _, err := w.Write(input); err != nil {
		return nil, errors.NewIOError("deflate compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.NewIOError("deflate compress close", err)
	}
	return buf.Bytes(), nil
}

// decompressReader drains a decompressing reader into a growing buffer,
// doubling capacity as needed and failing on any decompressor error or
// once maxSize is exceeded.
func decompressReader(open func() (io.ReadCloser, error), maxSize int64) ([]byte, error) {
	r, err := open()
	if err != nil {
		return nil, errors.NewIOError("decompress open", err)
	}
	defer r.Close()

	limit := int64(DefaultMaxDecompressedSize)
	if maxSize > 0 {
		limit = maxSize
	} else if maxSize < 0 {
		limit = 0 // unbounded
	}

	var out bytes.Buffer
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if limit > 0 && total > limit {
				return nil, errors.NewIOError("decompress", errors.NewValidationError("decompressed size exceeds limit"))
			}
			out.Write(chunk[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errors.NewIOError("decompress read", rerr)
		}
	}
	return out.Bytes(), nil
}
