// File: internal/direct/compression.go
package direct

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised on every direct request.
const acceptEncoding = "br, gzip, deflate"

var brotliReaderPool = sync.Pool{
	New: func() any { return brotli.NewReader(nil) },
}

// layered closes a decoder and then the body beneath it.
type layered struct {
	io.Reader
	closers []func() error
}

func (l *layered) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i]())
	}
	return errors.Join(errs...)
}

// decodeBody wraps resp.Body with decoders for every Content-Encoding layer,
// outermost first, and strips the encoding headers.
func decodeBody(resp *http.Response) error {
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 || resp.Body == nil {
		return nil
	}

	body := &layered{Reader: resp.Body, closers: []func() error{resp.Body.Close}}
	for i := len(encodings) - 1; i >= 0; i-- {
		for _, enc := range reverse(strings.Split(encodings[i], ",")) {
			if err := body.push(strings.ToLower(strings.TrimSpace(enc))); err != nil {
				_ = body.Close()
				return err
			}
		}
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func (l *layered) push(encoding string) error {
	switch encoding {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(l.Reader)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		l.Reader = zr
		l.closers = append(l.closers, zr.Close)
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(l.Reader); err != nil {
			brotliReaderPool.Put(br)
			return fmt.Errorf("brotli: %w", err)
		}
		l.Reader = br
		l.closers = append(l.closers, func() error {
			_ = br.Reset(strings.NewReader(""))
			brotliReaderPool.Put(br)
			return nil
		})
	case "deflate":
		rc := inflate(l.Reader)
		l.Reader = rc
		l.closers = append(l.closers, rc.Close)
	default:
		return fmt.Errorf("unsupported Content-Encoding %q", encoding)
	}
	return nil
}

// inflate accepts both zlib wrapped and raw deflate streams; servers send either.
func inflate(r io.Reader) io.ReadCloser {
	br := bufio.NewReader(r)
	if header, err := br.Peek(2); err == nil && isZlibHeader(header) {
		if zr, err := zlib.NewReader(br); err == nil {
			return zr
		}
	}
	return flate.NewReader(br)
}

func isZlibHeader(h []byte) bool {
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}

func reverse(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
