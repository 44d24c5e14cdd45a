package principal

import (
	"fmt"
	"os/user"
	"strconv"
)

// Principal is an authenticated identity plus its privilege level.
// It is resolved once at the boundary (CLI entry or web login) and then
// passed to every store and manager operation for ownership checks.
// A privileged principal (uid 0) may read and mutate any owner's records,
// but records it creates are still attributed to itself.
type Principal struct {
	Username     string `json:"username"`
	UID          int    `json:"uid"`
	GID          int    `json:"gid"`
	HomeDir      string `json:"home_dir,omitempty"`
	IsPrivileged bool   `json:"is_privileged"`
}

// Current resolves the principal for the OS user running this process.
func Current() (Principal, error) {
	u, err := user.Current()
	if err != nil {
		return Principal{}, fmt.Errorf("resolve current user: %w", err)
	}
	return fromUser(u)
}

// Lookup resolves a principal by system username. Used by the web layer
// after it has verified credentials, and by privileged operators acting
// on behalf of another user.
func Lookup(username string) (Principal, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return Principal{}, fmt.Errorf("lookup user %q: %w", username, err)
	}
	return fromUser(u)
}

// LookupUID resolves a principal by numeric uid.
func LookupUID(uid int) (Principal, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return Principal{}, fmt.Errorf("lookup uid %d: %w", uid, err)
	}
	return fromUser(u)
}

func fromUser(u *user.User) (Principal, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Principal{}, fmt.Errorf("non-numeric uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Principal{}, fmt.Errorf("non-numeric gid %q: %w", u.Gid, err)
	}
	return Principal{
		Username:     u.Username,
		UID:          uid,
		GID:          gid,
		HomeDir:      u.HomeDir,
		IsPrivileged: uid == 0,
	}, nil
}

// CanAccess reports whether p may touch records owned by ownerUID.
func (p Principal) CanAccess(ownerUID int) bool {
	return p.IsPrivileged || p.UID == ownerUID
}

func (p Principal) String() string {
	if p.IsPrivileged {
		return p.Username + " (privileged)"
	}
	return p.Username
}
