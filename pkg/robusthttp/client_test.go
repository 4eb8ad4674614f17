package robusthttp

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClientRetries(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv, calls := countingServer(t, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK)
	c := NewClient(WithRetryWaitMax(time.Millisecond))
	resp, err := c.Get(srv.URL)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(int32(3), calls.Load())
}

func TestClientNoRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadRequest, http.StatusNotImplemented} {
		srv, calls := countingServer(t, status)
		c := NewClient(WithRetryWaitMax(time.Millisecond))
		resp, err := c.Get(srv.URL)
		require.NoError(err)
		resp.Body.Close()
		assert.Equal(status, resp.StatusCode)
		assert.Equal(int32(1), calls.Load(), "status %d", status)
	}
}

func TestClientGivesUp(t *testing.T) {
	srv, calls := countingServer(t, http.StatusInternalServerError)
	c := NewClient(WithMaxRetries(1), WithRetryWaitMax(time.Millisecond))
	_, err := c.Get(srv.URL)
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
