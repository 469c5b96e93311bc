// Package urpmiconfig parses the urpmi configuration file grammar
// described by spec §6 (`NAME [URL] { KEY[:VALUE]? ... }` blocks) and
// watches the configuration directory for reload-worthy changes.
//
// Grounded on original_source/mdvpkg/urpmi/db.py's list_medias, which
// used a single multiline regex over the whole file; here the same
// block shape is tokenized explicitly so that multi-line bodies,
// quoted values, and the '$VAR' expansions are all handled without
// relying on regex backtracking semantics that don't carry over to Go's
// RE2 engine (which, notably, cannot express the original's non-greedy
// `[\s\S]*?` body capture combined with a single-line header capture).
package urpmiconfig

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/jvdm/mdvpkg/internal/mdvpkgerrors"
)

// TriState represents a three-state flag: unset, explicitly true
// (bare or "key:yes"/"on"/"1"), or explicitly false ("no-key" bare, or
// value outside the true set).
type TriState int

const (
	Unset TriState = iota
	True
	False
)

// invert flips True/False for the "no-key:value" form, where the
// key's own polarity is already negated by the "no-" prefix; Unset
// stays Unset.
func (s TriState) invert() TriState {
	switch s {
	case True:
		return False
	case False:
		return True
	default:
		return Unset
	}
}

// triStateNames lists the flags that use §6's no-/value tri-state rule.
var triStateNames = map[string]bool{
	"verify-rpm": true, "norebuild": true, "fuzzy": true,
	"allow-force": true, "pre-clean": true, "post-clean": true,
	"compress": true, "keep": true, "auto": true,
}

// boolFlagNames lists the presence-only boolean flags.
var boolFlagNames = map[string]bool{
	"update": true, "ignore": true, "synthesis": true,
	"noreconfigure": true, "no-suggests": true, "no-media-info": true,
	"static": true, "virtual": true, "disable-certificate-check": true,
}

// Block is one parsed `NAME [URL] { ... }` media or global block.
type Block struct {
	Name string
	URL  string

	Flags     map[string]bool
	TriStates map[string]TriState
	Settings  map[string]string
	KeyIDs    string
}

func newBlock(name, url string) Block {
	return Block{
		Name:      name,
		URL:       url,
		Flags:     make(map[string]bool),
		TriStates: make(map[string]TriState),
		Settings:  make(map[string]string),
	}
}

// Ignore reports whether this block carries the `ignore` flag.
func (b Block) Ignore() bool { return b.Flags["ignore"] }

// Update reports whether this block carries the `update` flag.
func (b Block) Update() bool { return b.Flags["update"] }

// Config is a fully parsed urpmi configuration file.
type Config struct {
	Global *Block // the single anonymous top-level block, if present
	Media  []Block
}

// Parse reads and parses the urpmi configuration file at path.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(mdvpkgerrors.ConfigMissing, "%s", path)
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	expanded, err := expandVars(string(data))
	if err != nil {
		return nil, errors.Wrap(err, "expanding configuration variables")
	}

	blocks, err := tokenizeBlocks(expanded)
	if err != nil {
		return nil, errors.Wrapf(mdvpkgerrors.ConfigInvalid, "%s: %s", path, err)
	}

	cfg := &Config{}
	seen := make(map[string]bool)
	for _, raw := range blocks {
		block, err := parseBlock(raw)
		if err != nil {
			return nil, errors.Wrapf(mdvpkgerrors.ConfigInvalid, "%s: %s", path, err)
		}
		if block.Name == "" {
			if cfg.Global != nil {
				return nil, errors.Wrapf(mdvpkgerrors.ConfigInvalid,
					"%s: more than one anonymous global block", path)
			}
			g := block
			cfg.Global = &g
			continue
		}
		if seen[block.Name] {
			return nil, errors.Wrapf(mdvpkgerrors.ConfigInvalid,
				"%s: duplicate media name %q", path, block.Name)
		}
		seen[block.Name] = true
		cfg.Media = append(cfg.Media, block)
	}
	return cfg, nil
}

type rawBlock struct {
	header string
	body   string
}

// tokenizeBlocks scans the file for `header {body}` blocks. Blocks do
// not nest, matching the original format.
func tokenizeBlocks(text string) ([]rawBlock, error) {
	var blocks []rawBlock
	i := 0
	for i < len(text) {
		open := strings.IndexByte(text[i:], '{')
		if open == -1 {
			break
		}
		open += i

		// The header is the current line up to '{'.
		lineStart := strings.LastIndexByte(text[:open], '\n') + 1
		header := strings.TrimSpace(text[lineStart:open])

		close := strings.IndexByte(text[open+1:], '}')
		if close == -1 {
			return nil, fmt.Errorf("unterminated block starting with %q", header)
		}
		close += open + 1

		blocks = append(blocks, rawBlock{header: header, body: text[open+1 : close]})
		i = close + 1
	}
	return blocks, nil
}

func parseBlock(raw rawBlock) (Block, error) {
	name, url := splitHeader(raw.header)
	block := newBlock(name, url)

	tokens, err := splitTokens(raw.body)
	if err != nil {
		return block, err
	}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		// `key: "value"` splits into two tokens; rejoin them.
		if strings.HasSuffix(tok, ":") && i+1 < len(tokens) && strings.HasPrefix(tokens[i+1], `"`) {
			i++
			tok += tokens[i]
		}
		if err := applyToken(&block, tok); err != nil {
			return block, err
		}
	}
	return block, nil
}

// splitHeader separates "NAME" from an optional trailing URL, per the
// original's url_r = `(.*) (.*://.*|/.*$)` pattern.
func splitHeader(header string) (name, url string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	if idx := strings.LastIndexByte(header, ' '); idx != -1 {
		candidate := header[idx+1:]
		if strings.Contains(candidate, "://") || strings.HasPrefix(candidate, "/") {
			name = strings.TrimSpace(header[:idx])
			url = candidate
			name = strings.ReplaceAll(name, "\\", "")
			return name, url
		}
	}
	name = strings.ReplaceAll(header, "\\", "")
	return name, ""
}

// splitTokens splits a block body into whitespace-separated tokens,
// respecting double-quoted values (used by key-ids: "...").
func splitTokens(body string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case !inQuotes && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted value")
	}
	flush()
	return tokens, nil
}

func applyToken(block *Block, tok string) error {
	if key, value, ok := strings.Cut(tok, ":"); ok {
		value = strings.Trim(value, `"`)
		if triStateNames[key] {
			block.TriStates[key] = triStateBoolFromValue(value)
			return nil
		}
		if bare := strings.TrimPrefix(key, "no-"); bare != key && triStateNames[bare] {
			block.TriStates[bare] = triStateBoolFromValue(value).invert()
			return nil
		}
		if key == "key-ids" {
			block.KeyIDs = value
			return nil
		}
		block.Settings[key] = value
		return nil
	}

	if triStateNames[tok] {
		block.TriStates[tok] = True
		return nil
	}
	if strings.HasPrefix(tok, "no-") {
		if base := strings.TrimPrefix(tok, "no-"); triStateNames[base] {
			block.TriStates[base] = False
			return nil
		}
	}
	if boolFlagNames[tok] {
		block.Flags[tok] = true
		return nil
	}
	return fmt.Errorf("unrecognized token %q", tok)
}

func triStateBoolFromValue(value string) TriState {
	switch strings.ToLower(value) {
	case "yes", "on", "1":
		return True
	default:
		return False
	}
}

// expandVars expands $HOST, $ARCH and $RELEASE per line.
func expandVars(text string) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	arch := runtime.GOARCH
	release := readRelease()

	replacer := strings.NewReplacer(
		"$HOST", host,
		"$ARCH", arch,
		"$RELEASE", release,
	)

	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out.WriteString(replacer.Replace(scanner.Text()))
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return out.String(), nil
}

func readRelease() string {
	data, err := os.ReadFile("/etc/release")
	if err != nil {
		return ""
	}
	line := strings.SplitN(string(data), "\n", 2)[0]
	return strings.TrimSpace(line)
}
