package upgrade

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarball(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o755,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newReleaseServer(t *testing.T, tag string, archive []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "julesq/")
		switch r.URL.Path {
		case "/repos/" + DefaultRepo + "/releases/latest":
			_ = json.NewEncoder(w).Encode(Release{
				TagName: tag,
				Assets: []Asset{{
					Name:               AssetName("linux", "amd64"),
					BrowserDownloadURL: srv.URL + "/download/julesq.tar.gz",
				}},
			})
		case "/download/julesq.tar.gz":
			_, _ = w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testUpdater(apiURL string) *Updater {
	u := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	u.APIURL = apiURL
	u.GOOS = "linux"
	u.GOARCH = "amd64"
	return u
}

func TestAssetName(t *testing.T) {
	assert.Equal(t, "julesq_Linux_x86_64.tar.gz", AssetName("linux", "amd64"))
	assert.Equal(t, "julesq_Darwin_arm64.tar.gz", AssetName("darwin", "arm64"))
	assert.Equal(t, "julesq_Linux_i386.tar.gz", AssetName("linux", "386"))
}

func TestCheck(t *testing.T) {
	assert.True(t, Check(&Release{TagName: "v1.2.0"}, "1.1.0"))
	assert.False(t, Check(&Release{TagName: "v1.2.0"}, "v1.2.0"))
	assert.False(t, Check(&Release{TagName: "v1.2.0"}, "dev"))
	assert.False(t, Check(&Release{}, "1.0.0"))
}

func TestInstall_ReplacesExecutable(t *testing.T) {
	srv := newReleaseServer(t, "v9.9.9", tarball(t, "julesq_9.9.9/julesq", []byte("new-binary")))
	u := testUpdater(srv.URL)

	dir := t.TempDir()
	exe := filepath.Join(dir, "julesq")
	require.NoError(t, os.WriteFile(exe, []byte("old-binary"), 0o755))

	release, err := u.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v9.9.9", release.TagName)

	require.NoError(t, u.Install(context.Background(), release, exe))

	got, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "new-binary", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "backup and staged files are cleaned up")
}

func TestInstall_Errors(t *testing.T) {
	srv := newReleaseServer(t, "v9.9.9", tarball(t, "README.md", []byte("docs")))
	u := testUpdater(srv.URL)

	exe := filepath.Join(t.TempDir(), "julesq")
	require.NoError(t, os.WriteFile(exe, []byte("old-binary"), 0o755))

	release, err := u.Latest(context.Background())
	require.NoError(t, err)

	err = u.Install(context.Background(), release, exe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary not found")
	got, _ := os.ReadFile(exe)
	assert.Equal(t, "old-binary", string(got))

	u.GOOS = "plan9"
	assert.ErrorIs(t, u.Install(context.Background(), release, exe), ErrNoAsset)
}

func TestLatest_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := testUpdater(srv.URL).Latest(context.Background())
	assert.Error(t, err)
}
