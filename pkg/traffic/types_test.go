package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderCaseInsensitive(t *testing.T) {
	h := make(Header)
	h.Set("Accept", "application/json")

	assert.Equal(t, "application/json", h.Get("ACCEPT"))
	v, ok := h.Lookup("accept")
	assert.True(t, ok)
	assert.Equal(t, "application/json", v)

	h.Del("aCCept")
	_, ok = h.Lookup("Accept")
	assert.False(t, ok)
}

func TestNilHeader(t *testing.T) {
	var h Header
	assert.Equal(t, "", h.Get("accept"))
	_, ok := h.Lookup("accept")
	assert.False(t, ok)
}

func TestParseHeader(t *testing.T) {
	h := ParseHeader([]byte(`{"Accept":"application/json","X-Count":3}`))
	assert.Equal(t, "application/json", h.Get("accept"))
	assert.Equal(t, "3", h.Get("x-count"))
	assert.Equal(t, []string{"accept", "x-count"}, h.SortedKeys())

	assert.Empty(t, ParseHeader([]byte(`not json`)))
	assert.Empty(t, ParseHeader(nil))
}

func TestResponseRaw(t *testing.T) {
	r := NewResponse()
	r.Headers = []HeaderField{{Name: "Content-Length", Value: "2"}}
	r.Body = []byte("{}")

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}", string(r.Raw()))
	assert.Equal(t, 2, r.ContentLength())
	assert.Equal(t, "2", r.Header("content-length"))
}
