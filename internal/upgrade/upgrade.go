// Package upgrade replaces the running julesq binary with the latest
// GitHub release.
package upgrade

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/version"
)

const (
	// DefaultAPIURL is the GitHub REST root
	DefaultAPIURL = "https://api.github.com"
	// DefaultRepo hosts julesq releases
	DefaultRepo = "ole-vi/prompt-sharing-sub002"

	binaryName = "julesq"
)

// ErrNoAsset means the release has no build for this platform
var ErrNoAsset = errors.New("no release asset for this platform")

// Release is the subset of a GitHub release julesq reads
type Release struct {
	TagName string  `json:"tag_name"`
	Name    string  `json:"name"`
	Assets  []Asset `json:"assets"`
}

// Asset is a downloadable release file
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Updater checks for and installs new releases
type Updater struct {
	APIURL string
	Repo   string
	Client *http.Client
	Logger *slog.Logger
	GOOS   string
	GOARCH string
}

// New returns an updater for the public julesq releases
func New(logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		APIURL: DefaultAPIURL,
		Repo:   DefaultRepo,
		Client: &http.Client{Timeout: 5 * time.Minute},
		Logger: logger,
		GOOS:   runtime.GOOS,
		GOARCH: runtime.GOARCH,
	}
}

// Latest fetches the newest published release
func (u *Updater) Latest(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(u.APIURL, "/"), u.Repo)
	resp, err := u.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to decode release: %w", err)
	}
	return &release, nil
}

// Check reports whether release differs from the running version. Dev
// builds never upgrade themselves.
func Check(release *Release, current string) bool {
	current = strings.TrimPrefix(current, "v")
	latest := strings.TrimPrefix(release.TagName, "v")
	return current != "dev" && latest != "" && latest != current
}

// AssetName is the archive goreleaser publishes for goos/goarch
func AssetName(goos, goarch string) string {
	switch goarch {
	case "amd64":
		goarch = "x86_64"
	case "386":
		goarch = "i386"
	}
	if goos == "" {
		return ""
	}
	return fmt.Sprintf("%s_%s_%s.tar.gz", binaryName, strings.ToUpper(goos[:1])+goos[1:], goarch)
}

// Upgrade installs the latest release over execPath. It returns the
// installed tag, or "" when already current.
func (u *Updater) Upgrade(ctx context.Context, execPath string) (string, error) {
	release, err := u.Latest(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to check for updates: %w", err)
	}
	if !Check(release, version.Short()) {
		u.Logger.Info("already running the latest version", "version", version.Short())
		return "", nil
	}
	if err := u.Install(ctx, release, execPath); err != nil {
		return "", err
	}
	return release.TagName, nil
}

// Install downloads release's asset for this platform and swaps it in at execPath
func (u *Updater) Install(ctx context.Context, release *Release, execPath string) error {
	name := AssetName(u.GOOS, u.GOARCH)
	var downloadURL string
	for _, a := range release.Assets {
		if a.Name == name {
			downloadURL = a.BrowserDownloadURL
			break
		}
	}
	if downloadURL == "" {
		return fmt.Errorf("%w: %s/%s (looking for %s)", ErrNoAsset, u.GOOS, u.GOARCH, name)
	}

	resolved, err := filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	u.Logger.Info("downloading release", "tag", release.TagName, "asset", name)
	resp, err := u.get(ctx, downloadURL)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	// Stage next to the target so the final rename stays on one filesystem.
	staged, err := extractBinary(resp.Body, filepath.Dir(resolved))
	if err != nil {
		return fmt.Errorf("failed to extract: %w", err)
	}
	defer os.Remove(staged)

	if err := replace(resolved, staged); err != nil {
		return fmt.Errorf("failed to install: %w", err)
	}
	u.Logger.Info("upgraded", "from", version.Short(), "to", release.TagName)
	return nil
}

func (u *Updater) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}
	return resp, nil
}

// extractBinary writes the julesq entry of a .tar.gz stream to a temp file in dir
func extractBinary(r io.Reader, dir string) (string, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return "", err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%s binary not found in archive", binaryName)
		}
		if err != nil {
			return "", err
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != binaryName {
			continue
		}

		tmp, err := os.CreateTemp(dir, binaryName+"-new-*")
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		if err := os.Chmod(tmp.Name(), 0o755); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		return tmp.Name(), nil
	}
}

// replace moves staged over target, keeping a backup until the swap succeeds
func replace(target, staged string) error {
	backup := target + ".bak"
	if err := os.Rename(target, backup); err != nil {
		return fmt.Errorf("failed to back up executable: %w", err)
	}
	if err := os.Rename(staged, target); err != nil {
		_ = os.Rename(backup, target)
		return err
	}
	_ = os.Remove(backup)
	return nil
}
