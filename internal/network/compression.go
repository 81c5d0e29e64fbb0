package network

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised on requests that do not choose their own.
// Many vendor blogs sit behind CDNs that answer br whenever it is offered.
const acceptEncoding = "gzip, deflate, br"

// decoders maps a Content-Encoding token to a reader that undoes it.
var decoders = map[string]func(io.Reader) (io.Reader, error){
	"gzip":   func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"x-gzip": func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"deflate": func(r io.Reader) (io.Reader, error) {
		return zlib.NewReader(r)
	},
	"br": func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
}

// CompressionMiddleware decodes gzip, deflate and brotli response bodies.
// The transport underneath runs with DisableCompression so every encoding
// takes the same path.
type CompressionMiddleware struct {
	next http.RoundTripper
}

// NewCompressionMiddleware wraps next, or http.DefaultTransport when nil.
func NewCompressionMiddleware(next http.RoundTripper) *CompressionMiddleware {
	if next == nil {
		next = http.DefaultTransport
	}
	return &CompressionMiddleware{next: next}
}

func (m *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := m.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// DecompressResponse replaces resp.Body with a decoded stream and drops the
// headers that described the encoded form. Closing the new body closes the
// original one.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}
	decode, ok := decoders[encoding]
	if !ok {
		return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
	}
	decoded, err := decode(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s body: %w", encoding, err)
	}

	resp.Body = &decodedBody{Reader: decoded, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

type decodedBody struct {
	io.Reader
	raw io.ReadCloser
}

func (b *decodedBody) Close() error {
	if c, ok := b.Reader.(io.Closer); ok {
		if err := c.Close(); err != nil {
			_ = b.raw.Close()
			return err
		}
	}
	return b.raw.Close()
}
