package admin

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgsync/config"
	"wgsync/internal/controller"
	"wgsync/internal/db"
	"wgsync/internal/models"
	"wgsync/internal/repo"
	"wgsync/internal/restore"
	"wgsync/internal/secrets"
	"wgsync/internal/snapshot"
	"wgsync/internal/wgrest"
)

const testToken = "admin-token"

type fakeCP struct{ created []wgrest.CreatePeerRequest }

func (f *fakeCP) CreatePeer(_ context.Context, _ string, req wgrest.CreatePeerRequest) (*wgrest.Peer, error) {
	f.created = append(f.created, req)
	return &wgrest.Peer{PublicKey: req.PublicKey}, nil
}

func (f *fakeCP) ListPeers(context.Context, string) ([]wgrest.Peer, error) {
	out := make([]wgrest.Peer, 0, len(f.created))
	for _, req := range f.created {
		out = append(out, wgrest.Peer{PublicKey: req.PublicKey})
	}
	return out, nil
}

type fakeSource struct{ snap *snapshot.Snapshot }

func (f *fakeSource) Snapshot(context.Context) (*snapshot.Snapshot, error) { return f.snap, nil }

type fixture struct {
	srv    *httptest.Server
	store  *repo.Store
	source *fakeSource
	api    *fakeCP
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Interface{}, &models.Peer{}, &models.ServerKey{}, &models.SyncStatus{}))
	store := repo.NewStore(gdb)

	cipher, err := secrets.New("", "admin-test-key")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.WireGuard.ConfDir = dir

	api := &fakeCP{}
	source := &fakeSource{snap: &snapshot.Snapshot{Interfaces: map[string]*snapshot.InterfaceState{}}}

	d := Dependencies{
		Store:    store,
		Restorer: restore.NewReconstructor(store, cipher, api, cfg),
		Rec:      controller.NewReconciler(store, source, cipher, cfg),
	}
	r := mux.NewRouter().StrictSlash(true)
	Attach(r, d, testToken)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	f := &fixture{srv: srv, store: store, source: source, api: api, dir: dir}
	f.seed(t, cipher)
	return f
}

// seed: wg0 с двумя enabled-пирами и одним disabled.
func (f *fixture) seed(t *testing.T, cipher *secrets.Cipher) {
	t.Helper()
	ctx := context.Background()

	encPSK, err := cipher.Encrypt("alice-psk")
	require.NoError(t, err)

	require.NoError(t, f.store.Interfaces.Create(ctx, &models.Interface{
		Name: "wg0", Address: "10.10.0.1/24", ListenPort: 51820,
	}))

	alice := &models.Peer{InterfaceName: "wg0", Name: "alice", PublicKey: "keyA", PresharedKey: encPSK, Enabled: true, PersistentKeepalive: 25}
	alice.SetAllowedIPs([]string{"10.10.0.2/32"})
	require.NoError(t, f.store.Peers.Create(ctx, alice))

	bob := &models.Peer{InterfaceName: "wg0", Name: "bob", PublicKey: "keyB", Enabled: true}
	bob.SetAllowedIPs([]string{"10.10.0.3/32"})
	require.NoError(t, f.store.Peers.Create(ctx, bob))

	old := &models.Peer{InterfaceName: "wg0", Name: "old", PublicKey: "keyC", Enabled: false}
	old.SetAllowedIPs([]string{"10.10.0.4/32"})
	require.NoError(t, f.store.Peers.Create(ctx, old))
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRestoreOneEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/api/restore/wg0", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep restore.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, "wg0", rep.Interface)
	assert.Equal(t, 2, rep.PeerCount)
	assert.Len(t, rep.Republished, 2)

	_, err := os.Stat(filepath.Join(f.dir, "wg0.conf"))
	assert.NoError(t, err, "по умолчанию restore пишет файл")
	assert.Len(t, f.api.created, 2, "по умолчанию restore публикует пиров")
}

func TestRestoreOneDryOptions(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/api/restore/wg0", `{"write_files":false,"republish":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := os.Stat(filepath.Join(f.dir, "wg0.conf"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, f.api.created)
}

func TestRestoreUnknownInterface(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/admin/api/restore/wg9", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestRestoreAllEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/api/restore", `{"republish":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Reports []restore.Report `json:"reports"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Reports, 1)
	assert.Equal(t, 2, body.Reports[0].PeerCount)

	_, err := os.Stat(filepath.Join(f.dir, "wg0.conf"))
	assert.NoError(t, err)
}

func TestAdminRequiresAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/admin/api/diff", "/admin/api/synclog", "/admin/api/backup"} {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestDiffEndpoint(t *testing.T) {
	f := newFixture(t)

	// живое состояние совпадает с БД по alice/bob, keyC там нет
	f.source.snap = &snapshot.Snapshot{Interfaces: map[string]*snapshot.InterfaceState{
		"wg0": {Name: "wg0", Peers: []snapshot.PeerState{
			{Name: "alice", PublicKey: "keyA", PresharedKey: "alice-psk", AllowedIPs: []string{"10.10.0.2/32"}, PersistentKeepalive: 25, Enabled: true},
			{Name: "bob", PublicKey: "keyB", AllowedIPs: []string{"10.10.0.3/32"}, Enabled: true},
		}},
	}}

	resp := f.do(t, http.MethodGet, "/admin/api/diff", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep controller.DiffReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, 2, rep.Entries[0].Unchanged)
	assert.Equal(t, []string{"keyC"}, rep.Entries[0].Delete, "disabled-пир есть в БД, но не в живом состоянии")
}

func TestConfigTextEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/api/config/wg0", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "[Interface]")
	assert.Contains(t, string(text), "PublicKey = keyA")
}

func TestBackupEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/api/backup", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.Header.Get("X-Checksum-Sha256"))

	gr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"wg0.conf"}, names)
}

func TestSyncLogEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row := &models.SyncStatus{LastSync: time.Now(), Status: models.SyncCompleted}
	row.SetCounts(map[string]int{"wg0": 2})
	require.NoError(t, f.store.SyncLog.Append(ctx, row))

	resp := f.do(t, http.MethodGet, "/admin/api/synclog?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []models.SyncStatus `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, models.SyncCompleted, body.Entries[0].Status)
}
