package zarr

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/qri-io/dataset/compression"
)

// Codec ids understood by CompressionMeta.
const (
	CodecNone   = ""
	CodecNull   = "null"
	CodecZst    = "zst"
	CodecGzip   = "gzip"
	CodecZstd   = "zstd"
	CodecSnappy = "snappy"
	CodecBlosc  = "blosc"
)

// CompressionMeta defines compression settings zarr-go understands
type CompressionMeta struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
}

// Zstd returns zstd compression settings at the given level. Level 0 picks
// the encoder default.
func Zstd(level int) *CompressionMeta {
	return &CompressionMeta{ID: CodecZstd, Clevel: level}
}

// ParseCompressor interprets a codec name as used in configuration files,
// optionally suffixed with a level, e.g. "zstd:3".
func ParseCompressor(s string) (*CompressionMeta, error) {
	id, level := s, 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			id = s[:i]
			if _, err := fmt.Sscanf(s[i+1:], "%d", &level); err != nil {
				return nil, fmt.Errorf("invalid compression level in %q: %w", s, err)
			}
			break
		}
	}
	m := &CompressionMeta{ID: id, Clevel: level}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.isNone() {
		return nil, nil
	}
	return m, nil
}

func (m *CompressionMeta) isNone() bool {
	return m == nil || m.ID == CodecNone || m.ID == CodecNull || m.ID == "none"
}

func (m *CompressionMeta) validate() error {
	if m.isNone() {
		return nil
	}
	switch m.ID {
	case CodecZst, CodecGzip, CodecZstd, CodecSnappy:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedCodec, m.ID)
}

func (m *CompressionMeta) String() string {
	if m.isNone() {
		return "none"
	}
	if m.Clevel != 0 {
		return fmt.Sprintf("%s:%d", m.ID, m.Clevel)
	}
	return m.ID
}

func (m *CompressionMeta) Decompressor(r io.Reader) (io.ReadCloser, error) {
	switch {
	case m.isNone():
		return ioutil.NopCloser(r), nil
	case m.ID == CodecZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case m.ID == CodecSnappy:
		return ioutil.NopCloser(snappy.NewReader(r)), nil
	case m.ID == CodecZst || m.ID == CodecGzip:
		return compression.Decompressor(m.ID, r)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, m.ID)
}

// Compressor wraps w with this codec. Callers must Close the returned writer
// to flush it; closing does not close w.
func (m *CompressionMeta) Compressor(w io.Writer) (io.WriteCloser, error) {
	switch {
	case m.isNone():
		return nopWriteCloser{w}, nil
	case m.ID == CodecZstd:
		var opts []zstd.EOption
		if m.Clevel != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(m.Clevel)))
		}
		return zstd.NewWriter(w, opts...)
	case m.ID == CodecSnappy:
		return snappy.NewBufferedWriter(w), nil
	case m.ID == CodecZst || m.ID == CodecGzip:
		return compression.Compressor(m.ID, w)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, m.ID)
}

// Encode compresses a whole chunk.
func (m *CompressionMeta) Encode(data []byte) ([]byte, error) {
	if m.isNone() {
		return data, nil
	}
	buf := &bytes.Buffer{}
	w, err := m.Compressor(buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decompresses a whole chunk.
func (m *CompressionMeta) Decode(r io.Reader) ([]byte, error) {
	rc, err := m.Decompressor(r)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ioutil.ReadAll(rc)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
