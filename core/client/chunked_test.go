package client

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkedEnvelope(pieces ...string) string {
	var b strings.Builder
	for _, piece := range pieces {
		fmt.Fprintf(&b, "%x\r\n%s\r\n", len(piece), piece)
	}
	b.WriteString("0\r\n\r\n")
	return b.String()
}

func TestChunkedReaderStripsEnvelope(t *testing.T) {
	envelope := chunkedEnvelope("hello ", "chunked ", "world")

	got, err := io.ReadAll(newChunkedReader(strings.NewReader(envelope)))
	require.NoError(t, err)
	assert.Equal(t, "hello chunked world", string(got))
}

func TestChunkedReaderHandlesExtensionsAndTrailers(t *testing.T) {
	envelope := "5;ext=1\r\nhello\r\n0\r\nTrailer: x\r\n\r\n"

	got, err := io.ReadAll(newChunkedReader(strings.NewReader(envelope)))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestChunkedReaderEmptyBody(t *testing.T) {
	got, err := io.ReadAll(newChunkedReader(strings.NewReader("0\r\n\r\n")))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChunkedReaderRejectsGarbage(t *testing.T) {
	_, err := io.ReadAll(newChunkedReader(strings.NewReader("zz\r\nhello")))
	assert.ErrorIs(t, err, ErrBadChunkedEncoding)
}

func TestChunkedReaderLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	var envelope bytes.Buffer
	for off := 0; off < len(payload); off += 1000 {
		end := off + 1000
		if end > len(payload) {
			end = len(payload)
		}
		fmt.Fprintf(&envelope, "%x\r\n%s\r\n", end-off, payload[off:end])
	}
	envelope.WriteString("0\r\n\r\n")

	got, err := io.ReadAll(newChunkedReader(&envelope))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}
