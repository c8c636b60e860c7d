package recipe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClaimStore persists an identity together with its fresh recipe.
// Implementations must resolve concurrent claims for one source URL atomically
// with a single conditional insert and report the loser with a *DuplicateRequestError.
type ClaimStore interface {
	ClaimRecipe(ctx context.Context, ident Identity, r *Recipe) error
}

// Deduplicator maps a source URL to a single logical creation record.
type Deduplicator struct {
	store ClaimStore
	now   func() time.Time
}

// NewDeduplicator creates a deduplicator backed by store.
func NewDeduplicator(store ClaimStore) *Deduplicator {
	return &Deduplicator{store: store, now: time.Now}
}

// Claim normalizes sourceURL and claims it for userID. The first claim returns the
// new IN_PROGRESS recipe; every later claim for the same URL returns a *DuplicateRequestError.
func (d *Deduplicator) Claim(ctx context.Context, sourceURL string, userID uuid.UUID) (*Recipe, error) {
	canonical, err := NormalizeSourceURL(sourceURL)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	ident := Identity{ID: uuid.New(), SourceURL: canonical, CreatedAt: now}
	r := New(ident.ID, userID, canonical, now)

	if err := d.store.ClaimRecipe(ctx, ident, r); err != nil {
		return nil, err
	}
	return r, nil
}

// trackingParams are query parameters dropped during normalization.
var trackingParams = map[string]bool{
	"si":         true,
	"feature":    true,
	"pp":         true,
	"igsh":       true,
	"igshid":     true,
	"fbclid":     true,
	"gclid":      true,
	"ab_channel": true,
}

// NormalizeSourceURL returns the canonical dedup key for a video URL.
// YouTube short links and shorts are rewritten to the watch form; tracking
// parameters and fragments are removed.
func NormalizeSourceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSourceURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceURL, u.Scheme)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidSourceURL)
	}

	if id := youTubeVideoID(host, u); id != "" {
		return "https://www.youtube.com/watch?v=" + id, nil
	}

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}

	out := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     strings.TrimSuffix(u.EscapedPath(), "/"),
		RawQuery: q.Encode(),
	}
	return out.String(), nil
}

// youTubeVideoID extracts the video id from the known YouTube URL shapes.
func youTubeVideoID(host string, u *url.URL) string {
	path := strings.Trim(u.Path, "/")
	switch host {
	case "youtu.be":
		id, _, _ := strings.Cut(path, "/")
		return id
	case "youtube.com", "music.youtube.com":
		if path == "watch" {
			return u.Query().Get("v")
		}
		for _, prefix := range []string{"shorts/", "embed/", "live/"} {
			if rest, ok := strings.CutPrefix(path, prefix); ok {
				id, _, _ := strings.Cut(rest, "/")
				return id
			}
		}
	}
	return ""
}
