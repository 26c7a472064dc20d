package writer

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewResponseWriterDefaults(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	assert.Equal(t, 0, rw.StatusCode)
	assert.Zero(t, rw.BytesWritten)
	assert.False(t, rw.HeadersWritten())
}

func TestWriteHeaderRecordsStatusAndForwards(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	rw.WriteHeader(http.StatusCreated)

	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.Equal(t, http.StatusCreated, inner.Code)
	assert.True(t, rw.HeadersWritten())
}

func TestWriteHeaderIgnoresSecondCall(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusCreated, rw.StatusCode, "status recorded on first WriteHeader call wins")
}

func TestWriteImplicitlySends200(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	n, err := rw.Write([]byte("hello"))

	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.Equal(t, http.StatusOK, inner.Code)
}

func TestWriteForwardsBodyUnchanged(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	rw.WriteHeader(http.StatusOK)
	body := []byte("some arbitrary backend payload, not inspected or altered")
	n, err := rw.Write(body)

	assert.NoError(t, err)
	assert.Equal(t, len(body), n)
	assert.Equal(t, body, inner.Body.Bytes(), "writer must never alter the body it relays")
	assert.Equal(t, int64(len(body)), rw.BytesWritten)
}

func TestWriteNeverRewritesStatusRegardlessOfSize(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	rw.WriteHeader(http.StatusOK)

	// A response far larger than any enterprise buffering scheme would
	// have capped must still pass through with its original status.
	large := make([]byte, 5*1024*1024)
	for i := range large {
		large[i] = 'x'
	}
	_, err := rw.Write(large)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode, "status must never be silently replaced based on body size")
	assert.Equal(t, http.StatusOK, inner.Code)
	assert.Equal(t, int64(len(large)), rw.BytesWritten)
	assert.Equal(t, len(large), inner.Body.Len(), "full body must reach the client, not a truncated/synthetic one")
}

func TestMetricsSnapshot(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	rw.WriteHeader(http.StatusAccepted)
	_, _ = rw.Write([]byte(`{"status":"ok"}`))

	m := rw.Metrics()
	assert.Equal(t, http.StatusAccepted, m.StatusCode)
	assert.Equal(t, int64(len(`{"status":"ok"}`)), m.BytesWritten)
}

func TestFlushDelegatesWhenSupported(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := NewResponseWriter(inner)

	assert.NotPanics(t, func() { rw.Flush() })
	assert.True(t, inner.Flushed)
}
