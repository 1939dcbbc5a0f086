package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

const (
	githubRepo           = "oszuidwest/minutememo-recorder"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // Delay before first check to avoid blocking startup
	versionCheckTimeout  = 30 * time.Second
	versionMaxRetries    = 3
	versionRetryDelay    = 1 * time.Minute
)

// errRetryLater marks a release check that should be repeated.
var errRetryLater = errors.New("release check failed")

// VersionChecker checks for new releases and reports update availability. It is safe for concurrent use.
type VersionChecker struct {
	releaseURL string
	client     *http.Client

	mu     sync.RWMutex
	latest string
	etag   string // For conditional requests (304 Not Modified)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVersionChecker returns a VersionChecker for the release feed at
// releaseURL. Call Start to begin periodic checks.
func NewVersionChecker(releaseURL string) *VersionChecker {
	if releaseURL == "" {
		releaseURL = "https://api.github.com/repos/" + githubRepo + "/releases/latest"
	}
	return &VersionChecker{
		releaseURL: releaseURL,
		client:     &http.Client{Timeout: versionCheckTimeout},
	}
}

// Start runs the check loop in the background until Stop is called.
func (vc *VersionChecker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	vc.cancel = cancel
	vc.done = make(chan struct{})
	go vc.run(ctx)
}

// Stop ends the check loop and waits for it to exit.
func (vc *VersionChecker) Stop() {
	if vc.cancel == nil {
		return
	}
	vc.cancel()
	<-vc.done
}

func (vc *VersionChecker) run(ctx context.Context) {
	defer close(vc.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	delay := versionCheckDelay
	for {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		vc.checkWithRetry(ctx)
		delay = versionCheckInterval
	}
}

// checkWithRetry performs the version check with retries on failure.
func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	for attempt := range versionMaxRetries {
		err := vc.check(ctx)
		if err == nil {
			return
		}
		slog.Debug("release check failed", "attempt", attempt+1, "error", err)
		if attempt == versionMaxRetries-1 {
			return
		}
		select {
		case <-time.After(versionRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// githubRelease represents a release with version and status information.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release. It returns an error wrapping
// errRetryLater when the check should be repeated.
func (vc *VersionChecker) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.releaseURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "minutememo-recorder/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return errors.Join(errRetryLater, err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Best-effort cleanup; error doesn't affect caller
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errors.Join(errRetryLater, errors.New(resp.Status))
	default:
		return nil
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return errors.Join(errRetryLater, util.WrapError("decode release", err))
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	if release.TagName == "" {
		return errors.Join(errRetryLater, errors.New("release without tag"))
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.mu.Unlock()
	return nil
}

// Info returns the current version info for the frontend.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:   current,
		Latest:    vc.latest,
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}
	if vc.latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(vc.latest, current)
	}
	return info
}

// normalizeVersion returns a version without whitespace and "v" prefix.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is newer than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
