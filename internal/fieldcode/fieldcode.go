// Package fieldcode recognises and splits the codes stored in citation fields.
//
// A code looks like
//
//	ADDIN ZOTERO_ITEM CSL_CITATION {"citationID":"x","citationItems":[...]}
//
// where "ADDIN ZOTERO_" is the configured prefix, ITEM the kind, CSL_CITATION
// the optional payload format, and the rest a JSON payload.
package fieldcode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Known kinds.
const (
	KindItem = "ITEM"
	KindBibl = "BIBL"
	KindTemp = "TEMP"
)

var headRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)(?:\s+([A-Z][A-Z0-9_]*))?`)

// Code is a parsed field code.
type Code struct {
	Raw     string
	Kind    string
	Format  string
	Payload json.RawMessage
}

// HasPrefix reports whether code belongs to this system. Surrounding
// whitespace is ignored.
func HasPrefix(code, prefix string) bool {
	return prefix != "" && strings.HasPrefix(strings.TrimSpace(code), prefix)
}

// Parse splits code. It fails only when the prefix is missing; a payload that
// is not valid JSON is dropped and the kind is kept.
func Parse(code, prefix string) (*Code, error) {
	trimmed := strings.TrimSpace(code)
	if !HasPrefix(trimmed, prefix) {
		return nil, fmt.Errorf("fieldcode: %q does not start with %q", truncate(trimmed, 32), prefix)
	}
	rest := strings.TrimSpace(trimmed[len(prefix):])
	c := &Code{Raw: code}
	if m := headRe.FindStringSubmatch(rest); m != nil {
		c.Kind, c.Format = m[1], m[2]
	}
	if i := strings.IndexByte(rest, '{'); i >= 0 {
		if j := strings.LastIndexByte(rest, '}'); j > i {
			raw := rest[i : j+1]
			if json.Valid([]byte(raw)) {
				c.Payload = json.RawMessage(raw)
			}
		}
	}
	return c, nil
}

// ItemCount returns the number of cited items in a citation payload, or 0.
func (c *Code) ItemCount() int {
	if len(c.Payload) == 0 {
		return 0
	}
	var p struct {
		CitationItems []json.RawMessage `json:"citationItems"`
	}
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return 0
	}
	return len(p.CitationItems)
}

// Digest returns the hex-encoded SHA-256 digest of code.
func Digest(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// Summary describes code without its payload, for logs and journals:
// "ITEM CSL_CITATION 2 items 1a2b3c4d".
func Summary(code, prefix string) string {
	digest := Digest(code)[:8]
	c, err := Parse(code, prefix)
	if err != nil {
		return "foreign " + digest
	}
	parts := []string{c.Kind}
	if c.Kind == "" {
		parts[0] = "unknown"
	}
	if c.Format != "" {
		parts = append(parts, c.Format)
	}
	if n := c.ItemCount(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d items", n))
	}
	parts = append(parts, digest)
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
