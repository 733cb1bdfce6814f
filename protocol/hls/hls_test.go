package hls

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.000,
seg0.ts
#EXTINF:2.000,
seg1.ts
#EXTINF:2.000,
seg2.ts
#EXT-X-ENDLIST
`

func writeFile(t *testing.T, root, name, body string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
}

func newTestServer(t *testing.T) (string, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "stream1/stream1.m3u8", vodPlaylist)
	for _, seg := range []string{"seg0.ts", "seg1.ts", "seg2.ts"} {
		writeFile(t, root, "stream1/"+seg, strings.Repeat("G", 188))
	}
	writeFile(t, root, "stream1/notes.txt", "secret")
	ts := httptest.NewServer(NewServer(root))
	t.Cleanup(ts.Close)
	return root, ts
}

func get(t *testing.T, method, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServerPlaylist(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, http.MethodGet, ts.URL+"/stream1/stream1.m3u8")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, vodPlaylist, body)
	assert.Equal(t, "application/x-mpegURL", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestServerSegment(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, http.MethodGet, ts.URL+"/stream1/seg1.ts")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body, 188)
	assert.Equal(t, "video/mp2ts", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerExtensionFallback(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, http.MethodGet, ts.URL+"/stream1/stream1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, vodPlaylist, body)
}

func TestServerRejects(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"unknown extension", http.MethodGet, "/stream1/notes.txt", http.StatusNotFound},
		{"missing file", http.MethodGet, "/stream1/seg9.ts", http.StatusNotFound},
		{"traversal", http.MethodGet, "/stream1/..%2f..%2fetc/passwd.ts", http.StatusNotFound},
		{"post", http.MethodPost, "/stream1/seg0.ts", http.StatusMethodNotAllowed},
		{"preflight", http.MethodOptions, "/stream1/seg0.ts", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := get(t, tt.method, ts.URL+tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestServerIndexAndCrossdomain(t *testing.T) {
	root, ts := newTestServer(t)

	resp, body := get(t, http.MethodGet, ts.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "HLS server running")
	assert.Contains(t, body, root)

	resp, body = get(t, http.MethodGet, ts.URL+"/crossdomain.xml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "cross-domain-policy")
}

func TestServerPlaylistHead(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, http.MethodHead, ts.URL+"/stream1/stream1.m3u8")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/a.ts", "x")
	server := NewServer(root)

	name, err := server.resolve("/a/a.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "a.ts"), name)

	name, err = server.resolve("/a/a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "a.ts"), name)

	_, err = server.resolve("/../a/a.ts")
	assert.ErrorIs(t, err, ErrInvalidReq)

	_, err = server.resolve("/a/a.exe")
	assert.ErrorIs(t, err, ErrUnsupportedExt)
}
