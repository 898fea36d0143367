package interceptlog

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"potemkin/pkg/model"
	"potemkin/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(method, url string) *traffic.Request {
	r := traffic.NewRequest()
	r.Method = method
	r.URL = url
	return r
}

func TestPassthroughSummary(t *testing.T) {
	l := New()
	e := l.Open(request("get", "https://x/a"))

	assert.Equal(t, "[_] GET https://x/a", e.Close())
	assert.Equal(t, []string{"[_] GET https://x/a"}, l.Entries())
}

func TestMockedSummary(t *testing.T) {
	l := New()
	e := l.Open(request("POST", "https://x/a"))
	p := model.MockPattern{URLPattern: "https://x/", MockResponse: `{"v":1}`, MockStatusCode: 201}
	e.RecordPattern(p)
	e.RecordMocked(len(p.MockResponse))

	assert.Equal(t, "[#] POST https://x/a (7b)", e.Close())

	snap := l.Snapshots()[0]
	assert.True(t, snap.Mocked)
	assert.True(t, snap.Closed)
	assert.Equal(t, 7, snap.Bytes)
	assert.Equal(t, 201, snap.StatusCode)
}

func TestClosedEntryIsFrozen(t *testing.T) {
	l := New()
	e := l.Open(request("GET", "https://x/a"))
	first := e.Close()
	e.RecordMocked(10)

	assert.Equal(t, first, e.Close())
	assert.Equal(t, first, l.Entries()[0])
}

func TestEntriesKeepArrivalOrder(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Open(request("GET", fmt.Sprintf("https://x/%d", i))).Close()
	}
	entries := l.Entries()
	require.Len(t, entries, 5)
	for i, s := range entries {
		assert.Equal(t, fmt.Sprintf("[_] GET https://x/%d", i), s)
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	l := New()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := l.Open(request("GET", fmt.Sprintf("https://x/%d", i)))
			if i%2 == 0 {
				e.RecordMocked(2)
			}
			e.Close()
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for l.Len() < n {
			for _, s := range l.Entries() {
				assert.True(t, strings.HasPrefix(s, "[_] GET ") || strings.HasPrefix(s, "[#] GET "), s)
			}
		}
	}()
	wg.Wait()
	<-done

	assert.Equal(t, n, l.Len())
	mocked := 0
	for _, s := range l.Entries() {
		if strings.HasPrefix(s, "[#]") {
			mocked++
			assert.True(t, strings.HasSuffix(s, "(2b)"))
		}
	}
	assert.Equal(t, n/2, mocked)
}
