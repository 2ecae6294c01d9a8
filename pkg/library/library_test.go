package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/types"
)

const sampleBody = `id: CVE-2024-0001
info:
  name: Example exposure
  severity: high
requests:
  - method: GET
    path:
      - "{{BaseURL}}/exposed"
    matchers:
      - type: status
        status:
          - 200
`

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := NewLibrary(t.TempDir(), rdb)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestStoreAIAndGet(t *testing.T) {
	l := newTestLibrary(t)
	ctx := context.Background()

	tpl, err := l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 0, types.OriginAIGenerated)
	require.NoError(t, err)
	assert.Equal(t, "cve-2024-0001", tpl.ID)
	assert.Equal(t, filepath.Join("ai", "CVE-2024-0001.yaml"), tpl.Filename)
	assert.Equal(t, types.ValidationUnvalidated, tpl.ValidationState)

	got, err := l.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleBody, got.Body)

	// File landed where scanners expect it.
	_, err = os.Stat(l.Path(tpl))
	assert.NoError(t, err)
}

func TestStoreRefinement(t *testing.T) {
	l := newTestLibrary(t)
	ctx := context.Background()

	_, err := l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 0, types.OriginAIGenerated)
	require.NoError(t, err)

	refined, err := l.StoreAI(ctx, "CVE-2024-0001", sampleBody+"# refined\n", 2, types.OriginAIRefined)
	require.NoError(t, err)
	assert.Equal(t, "cve-2024-0001.r2", refined.ID)
	assert.Equal(t, filepath.Join("ai", "CVE-2024-0001.r2.yaml"), refined.Filename)

	latest, err := l.Latest(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	// Attempt 1 is missing, so the base generation is still the latest.
	assert.Equal(t, "cve-2024-0001", latest.ID)

	_, err = l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 1, types.OriginAIRefined)
	require.NoError(t, err)
	latest, err = l.Latest(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, "cve-2024-0001.r2", latest.ID)
}

func TestUploadIsIdempotent(t *testing.T) {
	l := newTestLibrary(t)
	ctx := context.Background()

	first, err := l.Upload(ctx, sampleBody)
	require.NoError(t, err)
	assert.Equal(t, types.OriginUserUploaded, first.Origin)

	second, err := l.Upload(ctx, sampleBody)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same content must map to the same template")

	different, err := l.Upload(ctx, sampleBody+"# changed\n")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, different.ID)
}

func TestUploadEmptyBody(t *testing.T) {
	l := newTestLibrary(t)
	_, err := l.Upload(context.Background(), "   \n")
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestValidationLifecycle(t *testing.T) {
	l := newTestLibrary(t)
	ctx := context.Background()

	tpl, err := l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 0, types.OriginAIGenerated)
	require.NoError(t, err)

	require.NoError(t, l.SetValidationState(ctx, tpl.ID, types.ValidationValidating))
	require.NoError(t, l.SetValidationState(ctx, tpl.ID, types.ValidationValid))

	// A valid template is immutable.
	err = l.SetValidationState(ctx, tpl.ID, types.ValidationUnvalidated)
	assert.ErrorIs(t, err, errdefs.ErrIllegalTransition)

	has, err := l.ActiveForCVE(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = l.ActiveForCVE(ctx, "CVE-2099-9999")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRebuildFromDisk(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	root := t.TempDir()

	l := NewLibrary(root, rdb)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))

	tpl, err := l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 0, types.OriginAIGenerated)
	require.NoError(t, err)
	_, err = l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 1, types.OriginAIRefined)
	require.NoError(t, err)

	// Simulate a wiped metadata store.
	mr.FlushAll()
	require.NoError(t, l.Init(ctx))

	got, err := l.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-0001", got.CVEID)
	assert.Equal(t, types.ValidationUnvalidated, got.ValidationState)

	refined, err := l.Get(ctx, "cve-2024-0001.r1")
	require.NoError(t, err)
	assert.Equal(t, types.OriginAIRefined, refined.Origin)
	assert.Equal(t, 1, refined.GenerationAttempt)
}

func TestRebuildDropsStaleMetadata(t *testing.T) {
	l := newTestLibrary(t)
	ctx := context.Background()

	tpl, err := l.StoreAI(ctx, "CVE-2024-0001", sampleBody, 0, types.OriginAIGenerated)
	require.NoError(t, err)

	require.NoError(t, os.Remove(l.Path(tpl)))
	require.NoError(t, l.Init(ctx))

	_, err = l.Get(ctx, tpl.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
