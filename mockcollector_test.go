package netpulse

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockCollectorHealth(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + healthPath)
	require.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMockCollectorRejectsBadJSON(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+uploadPath, "application/json", strings.NewReader("{not json"))
	require.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, mc.ReceivedCount())
}

func TestMockCollectorRejectsGet(t *testing.T) {
	mc := NewMockCollector("")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + uploadPath)
	require.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMockCollectorAuth(t *testing.T) {
	mc := NewMockCollector("s3cret")
	ts := httptest.NewServer(mc.Handler())
	defer ts.Close()

	body := bytes.NewReader([]byte(`{"id":"1"}`))
	resp, err := http.Post(ts.URL+uploadPath, "application/json", body)
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+uploadPath, bytes.NewReader([]byte(`{"id":"1"}`)))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, mc.ReceivedCount())
}
