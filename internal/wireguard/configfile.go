package wireguard

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const managedBlockPrefix = "# auto-added by vpn_service user="

// fileLock is an exclusive OS-level lock scoped to a sentinel path distinct
// from the config file itself (see spec's open question on this: locking
// the config file's own path would deadlock readers against the atomic
// rename). Held only for the duration of a single read-modify-write.
type fileLock struct {
	f *os.File
}

func acquireFileLock(lockPath string) (*fileLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	l.f.Close()
}

// managedBlock renders the block appended by appendManagedBlock, terminated
// by a blank line as required by spec §6.
func managedBlock(publicKey, clientIP string, cidr int, tgUserID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d\n", managedBlockPrefix, tgUserID)
	fmt.Fprintf(&b, "[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", publicKey)
	fmt.Fprintf(&b, "AllowedIPs = %s/%d\n", clientIP, cidr)
	fmt.Fprintf(&b, "\n")
	return b.String()
}

func (m *PeerManager) appendManagedBlock(publicKey, clientIP string, tgUserID int64) error {
	lock, err := acquireFileLock(m.cfg.ConfigLockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	existing, err := readFileOrEmpty(m.cfg.ConfigPath)
	if err != nil {
		return err
	}

	block := managedBlock(publicKey, clientIP, 32, tgUserID)
	updated := existing
	if len(updated) > 0 && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += block

	return atomicWriteFile(m.cfg.ConfigPath, updated)
}

// removeManagedBlock excises the managed block whose PublicKey line matches
// exactly, preserving every other line verbatim (the [Interface] section,
// manually-added peers, other managed blocks).
func (m *PeerManager) removeManagedBlock(publicKey string) error {
	lock, err := acquireFileLock(m.cfg.ConfigLockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	existing, err := readFileOrEmpty(m.cfg.ConfigPath)
	if err != nil {
		return err
	}

	updated, removed := exciseBlock(existing, publicKey)
	if !removed {
		return ErrPeerNotFound
	}

	return atomicWriteFile(m.cfg.ConfigPath, updated)
}

// exciseBlock scans line-by-line for a managed block (starting with the
// auto-added comment, ending at the next blank line) whose PublicKey line
// matches publicKey exactly, and removes only that block.
func exciseBlock(content, publicKey string) (string, bool) {
	lines := strings.Split(content, "\n")
	var out []string
	removed := false

	i := 0
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, managedBlockPrefix) {
			blockLines := []string{line}
			j := i + 1
			matches := false
			for j < len(lines) {
				bl := lines[j]
				blockLines = append(blockLines, bl)
				if strings.HasPrefix(strings.TrimSpace(bl), "PublicKey") {
					key := strings.TrimSpace(strings.SplitN(bl, "=", 2)[1])
					if strings.TrimSpace(key) == publicKey {
						matches = true
					}
				}
				j++
				if strings.TrimSpace(bl) == "" {
					break
				}
			}
			if matches {
				removed = true
				i = j
				continue
			}
			out = append(out, blockLines...)
			i = j
			continue
		}
		out = append(out, line)
		i++
	}

	return strings.Join(out, "\n"), removed
}

func readFileOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config file: %w", err)
	}
	return string(data), nil
}

// atomicWriteFile writes temp file + fsync + rename so readers never
// observe a partial file.
func atomicWriteFile(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".wgconf-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file into place: %w", err)
	}
	return nil
}
