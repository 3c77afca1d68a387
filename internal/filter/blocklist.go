package filter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"fedlist/internal/hostname"
	"fedlist/internal/storage"
)

// patternPrefix marks a blocklist entry as a regular expression.
const patternPrefix = "re:"

// Blocklist is an operator-supplied deny list. Plain entries block the
// host and all of its subdomains; "re:" entries are case-insensitive
// regular expressions matched against the whole host.
type Blocklist struct {
	hosts    hostname.Set
	patterns []*regexp.Regexp
}

// NewBlocklist builds a Blocklist from raw entries.
func NewBlocklist(entries []string) (*Blocklist, error) {
	b := &Blocklist{hosts: hostname.NewSet()}
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		if p, ok := strings.CutPrefix(e, patternPrefix); ok {
			re, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("%w: blocklist entry %q: %v", storage.ErrInvalidInput, e, err)
			}
			b.patterns = append(b.patterns, re)
			continue
		}
		if h := hostname.Normalize(strings.TrimPrefix(e, "*.")); h != "" {
			b.hosts[h] = struct{}{}
		}
	}
	return b, nil
}

// LoadBlocklist reads a blocklist file: one entry per line with "#"
// comments, or a JSON/YAML list of strings for .json/.yaml/.yml files.
func LoadBlocklist(path string) (*Blocklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	var entries []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &entries)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line, _, _ := strings.Cut(sc.Text(), "#")
			entries = append(entries, line)
		}
		err = sc.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: blocklist %s: %v", storage.ErrInvalidInput, filepath.Base(path), err)
	}
	return NewBlocklist(entries)
}

// Blocked reports whether host or one of its parent domains is listed,
// or host matches a pattern.
func (b *Blocklist) Blocked(host string) bool {
	h := hostname.Normalize(host)
	if h == "" {
		return false
	}
	for d := h; d != ""; {
		if b.hosts.Has(d) {
			return true
		}
		_, rest, ok := strings.Cut(d, ".")
		if !ok {
			break
		}
		d = rest
	}
	for _, re := range b.patterns {
		if re.MatchString(h) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (b *Blocklist) Len() int {
	return len(b.hosts) + len(b.patterns)
}

func compilePattern(p string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + p)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return re, nil
}
