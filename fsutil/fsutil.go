// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil has the small filesystem helpers shared by the dataset,
// checkpoint and command packages.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists reports whether the file or directory exists. Filesystem
// failures other than non-existence are returned as errors.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ReplaceTildeInDir expands a leading "~" or "~user" in dir to the
// corresponding home directory. Paths without a leading tilde pass
// through unchanged.
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, tail, _ := strings.Cut(dir[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand home directory in %q", dir)
	}
	return filepath.Join(usr.HomeDir, tail), nil
}
