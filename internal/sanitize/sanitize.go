// Package sanitize rejects shell commands that chain, redirect or substitute
// outside of quoted strings.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ajaxzhan/localsandbox/pkg/types"
)

// Forbidden lists the metacharacters rejected outside quotes.
const Forbidden = ";&|`$(){}[]<>"

// quoted matches complete single or double quoted spans. An unmatched quote
// is left in place and scanned like any other text.
var quoted = regexp.MustCompile(`"[^"]*"|'[^']*'`)

// Command validates cmd and returns it unchanged when it is acceptable.
func Command(cmd string) (string, error) {
	if strings.TrimSpace(cmd) == "" {
		return "", fmt.Errorf("%w: empty command", types.ErrInvalidCommand)
	}

	masked := quoted.ReplaceAllStringFunc(cmd, func(q string) string {
		return strings.Repeat(" ", len(q))
	})
	if i := strings.IndexAny(masked, Forbidden); i >= 0 {
		return "", &types.ValidationError{Command: cmd, Char: string(masked[i])}
	}
	return cmd, nil
}
