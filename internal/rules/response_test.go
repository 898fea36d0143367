package rules

import (
	"strings"
	"testing"
	"time"

	"potemkin/pkg/model"

	"github.com/stretchr/testify/assert"
)

func TestSynthesizeResponseStatusAndLength(t *testing.T) {
	res := SynthesizeResponse(model.MockPattern{MockStatusCode: 404, MockResponse: `{"a":1}`})

	assert.Equal(t, "HTTP/1.1 404 OK", res.StatusLine())
	assert.Equal(t, 7, res.ContentLength())
	assert.Equal(t, "application/json", res.Header("Content-Type"))
	assert.Equal(t, "keep-alive", res.Header("Connection"))
}

func TestSynthesizeResponseDefaults(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	defer func() { now = orig }()

	res := SynthesizeResponse(model.MockPattern{MockResponse: `{"名字":"值"}`})

	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", res.Header("Date"))
	assert.Equal(t, len(`{"名字":"值"}`), res.ContentLength())
	assert.Empty(t, res.Header("Transfer-Encoding"))

	raw := string(res.Raw())
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\nDate: "))
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"+`{"名字":"值"}`))
}
