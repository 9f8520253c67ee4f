package boltdir

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openconfd/shmsub"
)

func openTestDir(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestChangeRegistrationRoundTrip(t *testing.T) {
	d := openTestDir(t)

	require.NoError(t, d.RegisterChange("m1", shmsub.DatastoreRunning, "", 0, shmsub.OptDefault, 101))
	require.NoError(t, d.RegisterChange("m1", shmsub.DatastoreRunning, "/m1:a", 5, shmsub.OptUpdate, 102))
	require.NoError(t, d.RegisterChange("m1", shmsub.DatastoreStartup, "", 0, shmsub.OptDefault, 101))

	subs, err := d.ChangeSubscribers("m1", shmsub.DatastoreRunning)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, shmsub.ChangeSubscriber{XPath: "", Priority: 0, Opts: shmsub.OptDefault, EvPipe: 101}, subs[0])
	assert.Equal(t, shmsub.ChangeSubscriber{XPath: "/m1:a", Priority: 5, Opts: shmsub.OptUpdate, EvPipe: 102}, subs[1])

	// Different datastore, different key.
	subs, err = d.ChangeSubscribers("m1", shmsub.DatastoreStartup)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	subs, err = d.ChangeSubscribers("unknown", shmsub.DatastoreRunning)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnregisterChangeLastRemoved(t *testing.T) {
	d := openTestDir(t)

	require.NoError(t, d.RegisterChange("m1", shmsub.DatastoreRunning, "", 0, shmsub.OptDefault, 101))
	require.NoError(t, d.RegisterChange("m1", shmsub.DatastoreRunning, "/m1:a", 5, shmsub.OptDefault, 102))

	last, err := d.UnregisterChange("m1", shmsub.DatastoreRunning, "", 0, shmsub.OptDefault, 101)
	require.NoError(t, err)
	assert.False(t, last)

	last, err = d.UnregisterChange("m1", shmsub.DatastoreRunning, "/m1:a", 5, shmsub.OptDefault, 102)
	require.NoError(t, err)
	assert.True(t, last)

	_, err = d.UnregisterChange("m1", shmsub.DatastoreRunning, "", 0, shmsub.OptDefault, 101)
	assert.Error(t, err, "unregistering a missing record must fail")
}

func TestPipeKindsAreIndependent(t *testing.T) {
	d := openTestDir(t)

	require.NoError(t, d.RegisterOperData("m1", "/m1:state", 7))
	require.NoError(t, d.RegisterRPC("m1", "/m1:state", 8))
	require.NoError(t, d.RegisterNotif("m1", 9))

	oper, err := d.OperDataSubscribers("m1", "/m1:state")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, oper)

	rpc, err := d.RPCSubscribers("m1", "/m1:state")
	require.NoError(t, err)
	assert.Equal(t, []uint32{8}, rpc)

	notif, err := d.NotifSubscribers("m1")
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, notif)
}

func TestRegistrationsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.db")

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.RegisterNotif("m1", 42))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()

	notif, err := d.NotifSubscribers("m1")
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, notif)
}

func TestDuplicateRegistrationsCountSeparately(t *testing.T) {
	d := openTestDir(t)

	// The same subscriber registering twice (two entries in one process)
	// must need two unregistrations.
	require.NoError(t, d.RegisterNotif("m1", 42))
	require.NoError(t, d.RegisterNotif("m1", 42))

	last, err := d.UnregisterNotif("m1", 42)
	require.NoError(t, err)
	assert.False(t, last)

	last, err = d.UnregisterNotif("m1", 42)
	require.NoError(t, err)
	assert.True(t, last)
}
