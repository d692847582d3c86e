package wgrest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	c := New(baseURL, "test-key")
	c.maxRetries = 2
	c.initialInterval = time.Millisecond
	return c
}

func TestListDevicesSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/devices/", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]Device{
			{Name: "wg0", ListenPort: 51820, PublicKey: "pub0", PeersCount: 2},
			{Name: "wg1", ListenPort: 51821, PublicKey: "pub1"},
		})
	}))
	defer srv.Close()

	devices, err := newTestClient(srv.URL).ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "wg0", devices[0].Name)
	assert.Equal(t, 51820, devices[0].ListenPort)
	assert.Equal(t, 2, devices[0].PeersCount)
}

func TestListPeersNotFoundMeansEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	peers, err := newTestClient(srv.URL).ListPeers(context.Background(), "wg0")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestCreatePeerConflictIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("peer already exists"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreatePeer(context.Background(), "wg0", CreatePeerRequest{
		PublicKey:  "pk",
		AllowedIPs: []string{"10.10.0.2/32"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
	// 4xx не ретраится
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]Device{{Name: "wg0"}})
	}))
	defer srv.Close()

	devices, err := newTestClient(srv.URL).ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListDevices(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer) // любой 5xx
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // соединение будет отклонено

	_, err := newTestClient(srv.URL).ListDevices(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestDeletePeerPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).DeletePeer(context.Background(), "wg0", URLSafeKey("xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="))
	require.NoError(t, err)
	assert.Equal(t, "/v1/devices/wg0/peers/xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=/", gotPath)
}

func TestURLSafeKey(t *testing.T) {
	// '+' и '/' заменяются на '-' и '_'
	assert.Equal(t, "ab-_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		URLSafeKey("ab+/AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="))
	// не-base64 вход возвращается как есть
	assert.Equal(t, "not base64!", URLSafeKey("not base64!"))
}

func TestKeepaliveSecondsUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{`25`, 25, true},
		{`"25"`, 25, true},
		{`"25s"`, 25, true},
		{`"2m"`, 120, true},
		{`null`, 0, true},
		{`""`, 0, true},
		{`"later"`, 0, false},
	}
	for _, tc := range cases {
		var k KeepaliveSeconds
		err := json.Unmarshal([]byte(tc.in), &k)
		if tc.ok {
			require.NoError(t, err, "input %s", tc.in)
			assert.Equal(t, tc.want, int(k), "input %s", tc.in)
		} else {
			require.Error(t, err, "input %s", tc.in)
		}
	}
}
