package main

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// invoker is the account that ran us through sudo.
type invoker struct {
	name string
	uid  int
	gid  int
}

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*invoker, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid: %v", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid: %v", err)
	}
	return &invoker{name: u.Username, uid: uid, gid: gid}, nil
}

// dropPrivileges switches to the sudo invoker. It is a no-op when not running
// as root or not started through sudo.
func dropPrivileges(logger *zap.Logger) error {
	if unix.Geteuid() != 0 {
		return nil
	}
	u, err := getOriginalUser()
	if err != nil {
		logger.Debug("Keeping root privileges", zap.Error(err))
		return nil
	}

	if err := unix.Setgroups([]int{u.gid}); err != nil {
		return fmt.Errorf("could not drop supplementary groups: %v", err)
	}
	if err := unix.Setregid(u.gid, u.gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %v", err)
	}
	if err := unix.Setreuid(u.uid, u.uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %v", err)
	}

	logger.Info("Dropped privileges", zap.String("user", u.name), zap.Int("uid", u.uid))
	return nil
}

// chownToOriginalUser hands dir and everything below it to the sudo invoker,
// so the recording can be read later without root.
func chownToOriginalUser(dir string, logger *zap.Logger) error {
	if unix.Geteuid() != 0 {
		return nil
	}
	u, err := getOriginalUser()
	if err != nil {
		return nil
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, u.uid, u.gid)
	})
	if err != nil {
		return fmt.Errorf("failed to chown %s to %s: %v", dir, u.name, err)
	}
	logger.Debug("Handed data directory to invoking user", zap.String("dir", dir), zap.String("user", u.name))
	return nil
}
