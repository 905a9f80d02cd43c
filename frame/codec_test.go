package frame

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    *Frame
	}{
		{
			name: "send with body",
			f:    NewWithHeaders(SEND, HeaderDestination, "/queue/a").withBody([]byte("Hello")),
		},
		{
			name: "connected no body",
			f:    NewWithHeaders(CONNECTED, HeaderVersion, "1.2", HeaderSession, "sess-1"),
		},
		{
			name: "header value with colon and backslash",
			f:    NewWithHeaders(SEND, "custom", `a:b\c`),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, tc.f))

			got, err := Read(bufio.NewReader(&buf), DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, tc.f.Command, got.Command)
			assert.Equal(t, tc.f.Body, got.Body)
			tc.f.Headers.Each(func(k, v string) {
				gv, ok := got.Headers.Get(k)
				assert.True(t, ok, "missing header %q", k)
				assert.Equal(t, v, gv)
			})
		})
	}
}

func (f *Frame) withBody(b []byte) *Frame {
	f.Body = b
	return f
}

func TestRead_MalformedCommand(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("BOGUS\n\n\x00"))
	_, err := Read(r, DefaultLimits())
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestRead_ContentLengthBoundsBody(t *testing.T) {
	raw := "SEND\ndestination:/queue/a\ncontent-length:5\n\nHello\x00extra"
	r := bufio.NewReader(bytes.NewBufferString(raw))
	f, err := Read(r, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), f.Body)
}

func TestRead_NoContentLengthEndsAtNUL(t *testing.T) {
	raw := "SEND\ndestination:/queue/a\n\nHello\x00"
	r := bufio.NewReader(bytes.NewBufferString(raw))
	f, err := Read(r, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), f.Body)
}

func TestHeaderEscaping(t *testing.T) {
	assert.Equal(t, `a\c\\b\r\n`, escapeHeader("a:\\b\r\n"))
	got, err := unescapeHeader(`a\c\\b\r\n`)
	require.NoError(t, err)
	assert.Equal(t, "a:\\b\r\n", got)
}

func TestUnescapeHeader_UnknownEscape(t *testing.T) {
	_, err := unescapeHeader(`\x`)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestHeaders_GetReturnsFirstOccurrence(t *testing.T) {
	h := NewHeaders()
	h.Set("k", "first").Set("k", "second")
	v, ok := h.Get("k")
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestHeaders_Without(t *testing.T) {
	h := NewHeaders()
	h.Set("a", "1").Set("b", "2").Set("c", "3")
	out := h.Without("b")
	assert.False(t, out.Has("b"))
	assert.True(t, out.Has("a"))
	assert.True(t, out.Has("c"))
}
