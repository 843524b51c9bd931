package docker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"
	"golang.org/x/sys/unix"
)

// rootfsDirs are the subdirectories every container's scratch rootfs
// starts with.
var rootfsDirs = []string{
	"bin", "etc", "etc/ssh", "var/run", "tmp", "home/honeypot", "www",
}

// hostBinDirs are bind-mounted read-only into the rootfs when present on
// the host, so the sandboxed service has binaries and libraries to run.
var hostBinDirs = []string{"/bin", "/lib", "/lib64", "/usr/bin", "/usr/lib"}

// materializeRootfs builds the directory tree and static system files for
// one container's rootfs under root.
func materializeRootfs(root string) error {
	for _, d := range rootfsDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return fmt.Errorf("rootfs: mkdir %s: %w", d, err)
		}
	}

	if err := writePasswdFiles(root); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "www", "index.html"), []byte(defaultIndexHTML), 0o644); err != nil {
		return fmt.Errorf("rootfs: write index.html: %w", err)
	}
	return nil
}

const defaultIndexHTML = "<html><body><h1>It works.</h1></body></html>\n"

// writePasswdFiles writes passwd, group, and a shadow file with one
// preconfigured credential. The shadow password is stored salted+hashed
// rather than as plaintext.
func writePasswdFiles(root string) error {
	const user = "honeypot"
	passwd := fmt.Sprintf("root:x:0:0:root:/root:/bin/sh\n%s:x:1000:1000::/home/%s:/bin/sh\n", user, user)
	if err := os.WriteFile(filepath.Join(root, "etc", "passwd"), []byte(passwd), 0o644); err != nil {
		return fmt.Errorf("rootfs: write passwd: %w", err)
	}

	group := fmt.Sprintf("root:x:0:\n%s:x:1000:\n", user)
	if err := os.WriteFile(filepath.Join(root, "etc", "group"), []byte(group), 0o644); err != nil {
		return fmt.Errorf("rootfs: write group: %w", err)
	}

	hashed := hashSecret(defaultHoneypotPassword())
	shadow := fmt.Sprintf("root:%s:19000:0:99999:7:::\n%s:%s:19000:0:99999:7:::\n", hashed, user, hashed)
	shadowPath := filepath.Join(root, "etc", "shadow")
	if err := os.WriteFile(shadowPath, []byte(shadow), 0o640); err != nil {
		return fmt.Errorf("rootfs: write shadow: %w", err)
	}
	if err := unix.Chmod(shadowPath, 0o640); err != nil {
		return fmt.Errorf("rootfs: chmod shadow: %w", err)
	}
	return nil
}

// hostBinMounts returns a read-only bind mount for each of hostBinDirs
// that exists on the host.
func hostBinMounts() []mount.Mount {
	var mounts []mount.Mount
	for _, dir := range hostBinDirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   dir,
			Target:   filepath.Join("/miel-rootfs", dir),
			ReadOnly: true,
		})
	}
	return mounts
}

// defaultHoneypotPassword is the single preconfigured credential; a
// research honeypot's credential is meant to be guessable, not secret.
func defaultHoneypotPassword() string { return "honeypot123" }

// hashSecret produces a salted-SHA-256 "salt:hash" value for the rootfs
// shadow entry.
func hashSecret(secret string) string {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(h.Sum(nil))
}

// verifySecret checks a plaintext secret against a "salt:hash" value
// produced by hashSecret.
func verifySecret(plaintext, hashed string) bool {
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(plaintext))
	return hex.EncodeToString(h.Sum(nil)) == parts[1]
}
