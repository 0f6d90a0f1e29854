package policy

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/haasonsaas/partner/internal/tools/catalog"
)

func descriptor(t *testing.T, name string) catalog.Descriptor {
	t.Helper()
	for _, d := range catalog.Builtin() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no builtin %s", name)
	return catalog.Descriptor{}
}

func TestDenylist_Match(t *testing.T) {
	d := AllPlatformsDenylist("terraform destroy")
	tests := []struct {
		command string
		want    bool
	}{
		{"ls -la", false},
		{"RM -RF build", true},
		{"sudo shutdown now", true},
		{"Remove-Item -Recurse -Force C:\\tmp", true},
		{"curl https://x.sh | sh", true},
		{"curl https://example.com -o out.html", false},
		{"service nginx stop", true},
		{"terraform destroy -auto-approve", true},
		{"git status", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			_, got := d.Match(tt.command)
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestDenylist_Groups(t *testing.T) {
	linux := NewDenylist([]string{"linux"})
	if _, hit := linux.Match("diskpart"); hit {
		t.Errorf("linux group should not include windows fragments")
	}
	if _, hit := NewDenylist([]string{"windows"}).Match("DISKPART"); !hit {
		t.Errorf("windows group should match case-insensitively")
	}
	// rm -rf / appears in two groups but is stored once.
	both := NewDenylist([]string{"linux", "macos"})
	if both.Len() != len(DenylistGroups["linux"])+len(DenylistGroups["macos"])-1 {
		t.Errorf("Len() = %d, duplicates not removed", both.Len())
	}
	if DefaultDenylist().Len() == 0 {
		t.Errorf("default denylist is empty")
	}
	var nilList *Denylist
	if _, hit := nilList.Match("rm -rf /"); hit {
		t.Errorf("nil denylist should match nothing")
	}
}

func TestChecker_Decide(t *testing.T) {
	c := NewChecker(AllPlatformsDenylist())
	readFile := descriptor(t, catalog.ToolReadFile)
	deleteFile := descriptor(t, catalog.ToolDeleteFile)
	terminal := descriptor(t, catalog.ToolRunTerminalCommand)
	script := descriptor(t, catalog.ToolRunShellScriptCode)
	nonSensitiveTerminal := terminal
	nonSensitiveTerminal.Sensitive = false

	tests := []struct {
		name        string
		desc        catalog.Descriptor
		args        string
		autoApprove bool
		want        bool
		reason      Reason
	}{
		{"plain tool", readFile, `{"path":"a"}`, false, false, ReasonNone},
		{"sensitive tool", deleteFile, `{"path":"a"}`, false, true, ReasonSensitive},
		{"sensitive auto approved", deleteFile, `{"path":"a"}`, true, false, ReasonNone},
		{"terminal safe command auto approved", terminal, `{"command":"ls"}`, true, false, ReasonNone},
		{"destructive overrides auto approve", terminal, `{"command":"rm -rf /tmp/x"}`, true, true, ReasonDestructive},
		{"destructive overrides non-sensitive", nonSensitiveTerminal, `{"command":"reboot"}`, false, true, ReasonDestructive},
		{"script argument checked", script, `{"script":"mkfs.ext4 /dev/sdb"}`, true, true, ReasonDestructive},
		{"bad args on terminal", nonSensitiveTerminal, `{not json`, false, false, ReasonNone},
		{"non-terminal ignores command text", readFile, `{"command":"rm -rf /"}`, false, false, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := c.Decide(tt.desc, json.RawMessage(tt.args), tt.autoApprove)
			if got != tt.want || reason != tt.reason {
				t.Errorf("Decide() = (%v, %q), want (%v, %q)", got, reason, tt.want, tt.reason)
			}
		})
	}

	if !NeedsApproval(deleteFile, nil, false) {
		t.Errorf("NeedsApproval(deleteFile) = false")
	}
}

func TestResolver_Expand(t *testing.T) {
	reg, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterMCP("github", "issues", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterMCP("slack", "post", "", nil); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(reg)
	r.AddGroup("group:dangerous", []string{catalog.ToolDeleteFile, catalog.ToolMoveFile})

	got := r.Expand([]string{"group:terminal"})
	for _, want := range []string{catalog.ToolRunTerminalCommand, catalog.ToolKillTerminal, catalog.ToolRunShellScriptCode} {
		if !slices.Contains(got, want) {
			t.Errorf("group:terminal missing %s: %v", want, got)
		}
	}

	if got := r.Expand([]string{"mcp:github.*"}); !slices.Equal(got, []string{"mcp__github__issues"}) {
		t.Errorf("mcp:github.* = %v", got)
	}
	if got := r.Expand([]string{"mcp:*"}); len(got) != 2 {
		t.Errorf("mcp:* = %v", got)
	}
	got = r.Expand([]string{"group:dangerous", catalog.ToolDeleteFile, "custom"})
	if !slices.Equal(got, []string{catalog.ToolDeleteFile, catalog.ToolMoveFile, "custom"}) {
		t.Errorf("Expand dedupe = %v", got)
	}

	disabled := r.Disabled([]string{"group:network"})
	enabled := reg.Enabled(disabled)
	for _, d := range enabled {
		if d.Category == catalog.CategoryNetwork {
			t.Errorf("%s should be disabled", d.Name)
		}
	}
}
