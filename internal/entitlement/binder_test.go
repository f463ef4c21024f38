package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// advance makes each nowMs call strictly later than the previous one so
// binding order by last_active_time is deterministic.
func advance(s *Store) {
	base := time.Now()
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
}

func seedSubscription(t *testing.T, s *Store, otid string) {
	t.Helper()
	exp := time.Now().Add(30 * 24 * time.Hour).UnixMilli()
	require.NoError(t, s.CreatePurchaseRecord(context.Background(), PurchaseRecord{
		OriginalTransactionID: otid,
		ProductID:             "com.lingopod.monthly",
		PurchaseDateMs:        time.Now().UnixMilli(),
		ExpireDateMs:          &exp,
		Status:                StatusActive,
	}))
}

func TestBindThirdDeviceKicksLeastActive(t *testing.T) {
	s := newTestStore(t)
	advance(s)
	seedSubscription(t, s, "otid-1")
	b := NewBinder(s, 2)
	ctx := context.Background()

	for _, uuid := range []string{"dev-a", "dev-b"} {
		_, err := s.CreateUser(ctx, uuid)
		require.NoError(t, err)
		otid := "otid-1"
		require.NoError(t, s.UpdateUserVIP(ctx, uuid, true, &otid, nil))
		_, err = b.Bind(ctx, "otid-1", uuid, "")
		require.NoError(t, err)
	}

	_, err := s.CreateUser(ctx, "dev-c")
	require.NoError(t, err)
	res, err := b.Bind(ctx, "otid-1", "dev-c", "iPhone")
	require.NoError(t, err)

	assert.Equal(t, "dev-a", res.KickedDevice, "least recently active device is evicted")
	assert.Equal(t, []string{"dev-b", "dev-c"}, res.BoundDevices)

	kicked, err := s.GetUserByUUID(ctx, "dev-a")
	require.NoError(t, err)
	assert.False(t, kicked.IsVIP)
	assert.Empty(t, kicked.OriginalTransactionID)

	rec, err := s.GetPurchaseRecord(ctx, "otid-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.DeviceCount)
}

func TestRebindRefreshesActivityWithoutGrowing(t *testing.T) {
	s := newTestStore(t)
	advance(s)
	seedSubscription(t, s, "otid-1")
	b := NewBinder(s, 2)
	ctx := context.Background()

	_, err := b.Bind(ctx, "otid-1", "dev-a", "")
	require.NoError(t, err)
	_, err = b.Bind(ctx, "otid-1", "dev-b", "")
	require.NoError(t, err)

	// dev-a becomes most recently active again
	res, err := b.Bind(ctx, "otid-1", "dev-a", "")
	require.NoError(t, err)
	assert.Empty(t, res.KickedDevice)
	assert.Len(t, res.BoundDevices, 2)

	_, err = s.CreateUser(ctx, "dev-b")
	require.NoError(t, err)
	res, err = b.Bind(ctx, "otid-1", "dev-c", "")
	require.NoError(t, err)
	assert.Equal(t, "dev-b", res.KickedDevice, "rebind moved dev-a to the back of the eviction order")
}

func TestBindNeverExceedsLimit(t *testing.T) {
	s := newTestStore(t)
	advance(s)
	seedSubscription(t, s, "otid-1")
	b := NewBinder(s, 2)
	ctx := context.Background()

	devices := []string{"d1", "d2", "d3", "d4", "d5"}
	for _, d := range devices {
		_, err := s.CreateUser(ctx, d)
		require.NoError(t, err)
		_, err = b.Bind(ctx, "otid-1", d, "")
		require.NoError(t, err)

		bindings, err := s.Bindings(ctx, "otid-1")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(bindings), 2)
	}

	bindings, err := s.Bindings(ctx, "otid-1")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, "d4", bindings[0].DeviceUUID)
	assert.Equal(t, "d5", bindings[1].DeviceUUID)
}

func TestUnbind(t *testing.T) {
	s := newTestStore(t)
	advance(s)
	seedSubscription(t, s, "otid-1")
	b := NewBinder(s, 2)
	ctx := context.Background()

	for _, d := range []string{"dev-a", "dev-b"} {
		_, err := s.CreateUser(ctx, d)
		require.NoError(t, err)
		otid := "otid-1"
		require.NoError(t, s.UpdateUserVIP(ctx, d, true, &otid, nil))
		_, err = b.Bind(ctx, "otid-1", d, "")
		require.NoError(t, err)
	}
	require.NoError(t, s.SetDeviceCount(ctx, "otid-1", 2))

	err := b.Unbind(ctx, "dev-a", "dev-a", "otid-1")
	assert.ErrorIs(t, err, ErrCannotUnbindSelf)

	err = b.Unbind(ctx, "dev-a", "dev-missing", "otid-1")
	assert.ErrorIs(t, err, ErrBindingNotFound)

	require.NoError(t, b.Unbind(ctx, "dev-a", "dev-b", "otid-1"))

	bindings, err := s.Bindings(ctx, "otid-1")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "dev-a", bindings[0].DeviceUUID)

	removed, err := s.GetUserByUUID(ctx, "dev-b")
	require.NoError(t, err)
	assert.False(t, removed.IsVIP)

	rec, err := s.GetPurchaseRecord(ctx, "otid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DeviceCount)
}
