// Package policy decides which tool calls need a human decision and which
// tools are available at all.
package policy

import (
	"runtime"
	"strings"
)

// Denylist groups of destructive command fragments. A fragment containing
// ".*" matches its pieces in order with anything in between.
var DenylistGroups = map[string][]string{
	"common": {
		"rm -rf", "rmdir", "del /f", "format", "mkfs", "dd if=", "chmod 777",
		":(){:|:&};:", "fork bomb", "> /dev/sda", "shutdown", "reboot", "halt",
		"poweroff", "kill -9", "killall", "pkill",
	},
	"windows": {
		"Remove-Item -Recurse -Force", "Format-Volume", "Clear-Disk",
		"Stop-Process -Force", "Remove-Partition", "rd /s /q", "reg delete",
		"bcdedit", "diskpart",
	},
	"linux": {
		"rm -rf /", "chmod -R 777 /", "chown -R", "mv /* /dev/null",
		"wget.*|.*sh", "curl.*|.*sh", "crontab -r", "iptables -F",
		"systemctl stop", "service.*stop",
	},
	"macos": {
		"rm -rf /", "diskutil eraseDisk", "csrutil disable", "nvram -c",
		"bless --unbless",
	},
}

// HostGroup returns the denylist group for the running operating system.
func HostGroup() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "linux"
	}
}

// Denylist matches command text against destructive fragments,
// case-insensitively.
type Denylist struct {
	fragments []string
}

// NewDenylist builds a denylist from the named groups plus extra
// fragments. Unknown group names are ignored.
func NewDenylist(groups []string, extra ...string) *Denylist {
	seen := map[string]bool{}
	d := &Denylist{}
	add := func(fragment string) {
		fragment = strings.ToLower(strings.TrimSpace(fragment))
		if fragment == "" || seen[fragment] {
			return
		}
		seen[fragment] = true
		d.fragments = append(d.fragments, fragment)
	}
	for _, group := range groups {
		for _, fragment := range DenylistGroups[group] {
			add(fragment)
		}
	}
	for _, fragment := range extra {
		add(fragment)
	}
	return d
}

// DefaultDenylist covers the common group and the host's group.
func DefaultDenylist(extra ...string) *Denylist {
	return NewDenylist([]string{"common", HostGroup()}, extra...)
}

// AllPlatformsDenylist covers every group regardless of host.
func AllPlatformsDenylist(extra ...string) *Denylist {
	return NewDenylist([]string{"common", "windows", "linux", "macos"}, extra...)
}

// Match returns the first fragment found in command.
func (d *Denylist) Match(command string) (string, bool) {
	if d == nil || command == "" {
		return "", false
	}
	lower := strings.ToLower(command)
	for _, fragment := range d.fragments {
		if containsFragment(lower, fragment) {
			return fragment, true
		}
	}
	return "", false
}

// Len returns the number of distinct fragments.
func (d *Denylist) Len() int {
	if d == nil {
		return 0
	}
	return len(d.fragments)
}

func containsFragment(text, fragment string) bool {
	if !strings.Contains(fragment, ".*") {
		return strings.Contains(text, fragment)
	}
	for _, piece := range strings.Split(fragment, ".*") {
		if piece == "" {
			continue
		}
		idx := strings.Index(text, piece)
		if idx < 0 {
			return false
		}
		text = text[idx+len(piece):]
	}
	return true
}
