package policy

import (
	"encoding/json"

	"github.com/haasonsaas/partner/internal/tools/catalog"
)

// Reason explains why a call needs approval.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSensitive   Reason = "sensitive"
	ReasonDestructive Reason = "destructive_command"
)

// Checker applies the approval rules with a fixed denylist.
type Checker struct {
	Denylist *Denylist
}

// NewChecker creates a checker. A nil denylist uses DefaultDenylist.
func NewChecker(denylist *Denylist) *Checker {
	if denylist == nil {
		denylist = DefaultDenylist()
	}
	return &Checker{Denylist: denylist}
}

// Decide reports whether a call to desc with args needs approval. A
// sensitive tool needs approval unless autoApprove is set; a terminal tool
// whose command matches the denylist always needs approval.
func (c *Checker) Decide(desc catalog.Descriptor, args json.RawMessage, autoApprove bool) (bool, Reason) {
	if desc.IsTerminal() {
		if _, hit := c.Denylist.Match(CommandText(args)); hit {
			return true, ReasonDestructive
		}
	}
	if desc.Sensitive && !autoApprove {
		return true, ReasonSensitive
	}
	return false, ReasonNone
}

// NeedsApproval is Decide with the default denylist.
func NeedsApproval(desc catalog.Descriptor, args json.RawMessage, autoApprove bool) bool {
	needs, _ := defaultChecker.Decide(desc, args, autoApprove)
	return needs
}

var defaultChecker = NewChecker(nil)

// CommandText extracts the command or script argument of a terminal call.
// Unparsable arguments yield an empty string.
func CommandText(args json.RawMessage) string {
	var input struct {
		Command string `json:"command"`
		Script  string `json:"script"`
	}
	if len(args) == 0 || json.Unmarshal(args, &input) != nil {
		return ""
	}
	if input.Command != "" {
		return input.Command
	}
	return input.Script
}
