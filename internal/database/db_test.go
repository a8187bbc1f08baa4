package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "wgtunnel-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)

	peers, err := db.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestDevice_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Device(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SetDevice(ctx, DeviceRow{InstanceID: "ab12cd34", ListenPort: 51820}))
	row, err := db.Device(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", row.InstanceID)
	assert.Equal(t, 51820, row.ListenPort)

	// Replacing keeps the singleton row.
	require.NoError(t, db.SetDevice(ctx, DeviceRow{InstanceID: "ab12cd34", ListenPort: 51821}))
	row, err = db.Device(ctx)
	require.NoError(t, err)
	assert.Equal(t, 51821, row.ListenPort)
}

func TestPeers_UpsertAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertPeer(ctx, PeerRow{
		PublicKey:        "pk-one",
		Endpoint:         "198.51.100.1:51820",
		KeepaliveSeconds: 25,
	}))
	require.NoError(t, db.UpsertPeer(ctx, PeerRow{PublicKey: "pk-two"}))

	peers, err := db.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "pk-one", peers[0].PublicKey)
	assert.Equal(t, "198.51.100.1:51820", peers[0].Endpoint)
	assert.Equal(t, 25, peers[0].KeepaliveSeconds)

	// Upsert by public key updates in place.
	require.NoError(t, db.UpsertPeer(ctx, PeerRow{
		PublicKey: "pk-one",
		Endpoint:  "203.0.113.7:51820",
	}))
	peers, err = db.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "203.0.113.7:51820", peers[0].Endpoint)

	require.NoError(t, db.DeletePeer(ctx, "pk-two"))
	assert.ErrorIs(t, db.DeletePeer(ctx, "pk-two"), ErrNotFound)

	peers, err = db.Peers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestUpsertPeer_EmptyKeyRejected(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.UpsertPeer(context.Background(), PeerRow{}))
}
