package browser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// lockSentinels are files a live browser keeps inside its profile. Their
// presence in the master profile means a browser still has it open, and
// cloning it would corrupt every slot.
var lockSentinels = []string{
	"SingletonLock",
	"SingletonCookie",
	"SingletonSocket",
	"lockfile",
	"parent.lock",
	".parentlock",
}

// CloneProfiles copies the master profile into profile_1..profile_n under
// root, replacing whatever was there. It refuses to proceed while the
// master contains any lock-file sentinel.
func CloneProfiles(masterDir, root string, n int) error {
	if _, err := os.Stat(masterDir); err != nil {
		return fmt.Errorf("master profile: %w", err)
	}
	for _, name := range lockSentinels {
		if _, err := os.Lstat(filepath.Join(masterDir, name)); err == nil {
			return fmt.Errorf("master profile %s contains %s; close the browser using it first", masterDir, name)
		}
	}

	for i := 1; i <= n; i++ {
		dst := filepath.Join(root, fmt.Sprintf("profile_%d", i))
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("clearing %s: %w", dst, err)
		}
		if err := copyTree(masterDir, dst); err != nil {
			return fmt.Errorf("cloning profile into %s: %w", dst, err)
		}
	}
	log.WithFields(log.Fields{"master": masterDir, "slots": n}).Info("browser profiles cloned")
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets and symlinks in a profile are runtime debris.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
