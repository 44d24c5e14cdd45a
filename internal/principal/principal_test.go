package principal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent(t *testing.T) {
	p, err := Current()
	require.NoError(t, err)
	assert.NotEmpty(t, p.Username)
	assert.Equal(t, os.Getuid(), p.UID)
	assert.Equal(t, p.UID == 0, p.IsPrivileged)
	assert.NotEmpty(t, p.HomeDir)
}

func TestLookupRoundTrip(t *testing.T) {
	cur, err := Current()
	require.NoError(t, err)

	byName, err := Lookup(cur.Username)
	require.NoError(t, err)
	assert.Equal(t, cur, byName)

	byUID, err := LookupUID(cur.UID)
	require.NoError(t, err)
	assert.Equal(t, cur, byUID)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("no-such-user-exists-here")
	assert.Error(t, err)
}

func TestCanAccess(t *testing.T) {
	user := Principal{Username: "alice", UID: 1001}
	assert.True(t, user.CanAccess(1001))
	assert.False(t, user.CanAccess(1002))
	assert.False(t, user.CanAccess(0))

	root := Principal{Username: "root", UID: 0, IsPrivileged: true}
	assert.True(t, root.CanAccess(0))
	assert.True(t, root.CanAccess(1001))
}

func TestString(t *testing.T) {
	assert.Equal(t, "alice", Principal{Username: "alice", UID: 1001}.String())
	assert.Equal(t, "root (privileged)", Principal{Username: "root", IsPrivileged: true}.String())
}
