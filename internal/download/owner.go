package download

import (
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// fileOwner resolves the username that owns info, mirroring the original
// service's pwd.getpwuid lookup used when listing export directories. It
// falls back to the numeric uid when the account cannot be resolved.
func fileOwner(info os.FileInfo) string {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	uid := strconv.FormatUint(uint64(stat.Uid), 10)
	u, err := user.LookupId(uid)
	if err != nil {
		return uid
	}
	return u.Username
}
