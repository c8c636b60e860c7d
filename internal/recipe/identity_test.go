package recipe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memClaimStore resolves claims under a mutex, standing in for a unique index.
type memClaimStore struct {
	mu     sync.Mutex
	claims map[string]uuid.UUID
}

func newMemClaimStore() *memClaimStore {
	return &memClaimStore{claims: make(map[string]uuid.UUID)}
}

func (m *memClaimStore) ClaimRecipe(_ context.Context, ident Identity, _ *Recipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.claims[ident.SourceURL]; ok {
		return &DuplicateRequestError{SourceURL: ident.SourceURL, RecipeID: owner}
	}
	m.claims[ident.SourceURL] = ident.ID
	return nil
}

func TestDeduplicator_FirstClaim(t *testing.T) {
	d := NewDeduplicator(newMemClaimStore())
	userID := uuid.New()

	r, err := d.Claim(context.Background(), "https://youtu.be/abc123", userID)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", r.SourceURL)
	assert.Equal(t, userID, r.UserID)
	assert.Equal(t, StatusInProgress, r.Status)
	assert.Equal(t, StepReady, r.Step)
}

func TestDeduplicator_RepeatClaimAcrossURLShapes(t *testing.T) {
	d := NewDeduplicator(newMemClaimStore())
	ctx := context.Background()

	first, err := d.Claim(ctx, "https://www.youtube.com/watch?v=abc123", uuid.New())
	require.NoError(t, err)

	_, err = d.Claim(ctx, "https://youtube.com/shorts/abc123?si=tracking", uuid.New())
	require.ErrorIs(t, err, ErrDuplicateRequest)

	var dup *DuplicateRequestError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.RecipeID)
}

func TestDeduplicator_ConcurrentClaims(t *testing.T) {
	d := NewDeduplicator(newMemClaimStore())
	const n = 32

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Claim(context.Background(), "https://youtu.be/same", uuid.New())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, dups := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrDuplicateRequest):
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, dups)
}

func TestDeduplicator_InvalidURL(t *testing.T) {
	d := NewDeduplicator(newMemClaimStore())
	_, err := d.Claim(context.Background(), "ftp://example.com/video", uuid.New())
	assert.ErrorIs(t, err, ErrInvalidSourceURL)
}

func TestNormalizeSourceURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"youtube short link", "https://youtu.be/abc123?si=xyz", "https://www.youtube.com/watch?v=abc123"},
		{"youtube shorts", "https://www.youtube.com/shorts/abc123", "https://www.youtube.com/watch?v=abc123"},
		{"youtube mobile", "https://m.youtube.com/watch?v=abc123&feature=share", "https://www.youtube.com/watch?v=abc123"},
		{"youtube embed", "http://youtube.com/embed/abc123", "https://www.youtube.com/watch?v=abc123"},
		{"instagram reel", "https://www.instagram.com/reel/XYZ/?igsh=foo&utm_source=ig", "https://instagram.com/reel/XYZ"},
		{"generic keeps content params", "https://example.com/v?b=2&a=1&utm_source=x#t=10", "https://example.com/v?a=1&b=2"},
		{"surrounding whitespace", "  https://youtu.be/abc123  ", "https://www.youtube.com/watch?v=abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeSourceURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSourceURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "not a url", "ftp://example.com/x", "https://"} {
		_, err := NormalizeSourceURL(in)
		assert.ErrorIs(t, err, ErrInvalidSourceURL, "input %q", in)
	}
}
