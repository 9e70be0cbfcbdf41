// Package extract turns a settled conversation page into cleaned text plus a
// structured turn list. Extraction is heuristic: it degrades from role-tagged
// turns to a single undifferentiated block, and reports nothing at all rather
// than guessing.
package extract

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"chatdex/internal/logging"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

// ErrNoContent means the page settled but contains no meaningful text region.
var ErrNoContent = errors.New("no meaningful content found")

// Turn is one conversation turn.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Content is the result of one extraction. Produced fresh each time;
// replaces prior content for the same chat.
type Content struct {
	Text      string
	TurnCount int
	Turns     []Turn
	Truncated bool
}

// ContextBeginMarker and ContextEndMarker bracket the folder context chatdex
// injects into seeded sessions. The cleaner strips anything between them so
// re-indexing never captures our own scaffolding as conversation content.
const (
	ContextBeginMarker = "[[chatdex:context]]"
	ContextEndMarker   = "[[/chatdex:context]]"
)

// TurnSelector locates role-tagged turns. Selector is tried with goquery; the
// role comes from RoleAttr when set, otherwise from matching RoleClasses.
type TurnSelector struct {
	Selector string
	RoleAttr string
}

// defaultTurnSelectors are tried in order of specificity. Page-specific
// lookup heuristics, not architecture; override via SetTurnSelectors.
var defaultTurnSelectors = []TurnSelector{
	{Selector: "[data-message-author-role]", RoleAttr: "data-message-author-role"},
	{Selector: "[data-turn-role]", RoleAttr: "data-turn-role"},
	{Selector: "[data-role=user], [data-role=assistant]", RoleAttr: "data-role"},
}

// signatureLen is how many normalized characters identify a turn for
// deduplication. Long enough to avoid collapsing distinct short turns,
// short enough to catch a turn duplicated between a live region and a
// virtualized copy whose tail rendering differs.
const signatureLen = 48

// Extractor cleans and partitions settled page HTML.
type Extractor struct {
	maxChars      int
	marker        string
	boilerplate   []string
	turnSelectors []TurnSelector
	sanitizer     *bluemonday.Policy
}

// New creates an extractor. maxChars bounds the output; marker is appended
// whenever truncation happens so data is never dropped silently.
func New(maxChars int, marker string, boilerplate []string) *Extractor {
	if maxChars <= 0 {
		maxChars = 100000
	}
	// data-* attributes carry the role markers; UGC policy strips them by
	// default.
	policy := bluemonday.UGCPolicy()
	policy.AllowDataAttributes()

	return &Extractor{
		maxChars:      maxChars,
		marker:        marker,
		boilerplate:   boilerplate,
		turnSelectors: defaultTurnSelectors,
		sanitizer:     policy,
	}
}

// SetTurnSelectors replaces the role-partitioning selector list.
func (e *Extractor) SetTurnSelectors(sels []TurnSelector) {
	if len(sels) > 0 {
		e.turnSelectors = sels
	}
}

// Extract partitions the page into role-tagged turns when role markers are
// identifiable, falls back to one cleaned block otherwise, and returns
// ErrNoContent when no meaningful text region exists.
func (e *Extractor) Extract(rawHTML string) (*Content, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return nil, ErrNoContent
	}

	// Drop scripts, styles, and event handlers before any text walk.
	sanitized := e.sanitizer.Sanitize(rawHTML)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitized))
	if err != nil {
		return nil, ErrNoContent
	}

	turns := e.partitionTurns(doc)
	if len(turns) > 0 {
		return e.assemble(turns), nil
	}

	// No role markers; fall back to a single undifferentiated block.
	block := e.cleanText(flattenText(sanitized))
	if block == "" {
		return nil, ErrNoContent
	}
	logging.ExtractDebug("no role markers found, using block fallback (%d chars)", len(block))
	c := &Content{Text: block}
	e.truncate(c)
	return c, nil
}

// partitionTurns tries each selector strategy in order and keeps the first
// that yields any turns.
func (e *Extractor) partitionTurns(doc *goquery.Document) []Turn {
	for _, ts := range e.turnSelectors {
		var turns []Turn
		doc.Find(ts.Selector).Each(func(_ int, sel *goquery.Selection) {
			role := normalizeRole(sel.AttrOr(ts.RoleAttr, ""))
			if role == "" {
				return
			}
			text := e.cleanText(sel.Text())
			if text == "" {
				return
			}
			turns = append(turns, Turn{Role: role, Text: text})
		})
		if len(turns) > 0 {
			return dedupeTurns(turns)
		}
	}
	return nil
}

func (e *Extractor) assemble(turns []Turn) *Content {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(roleLabel(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	c := &Content{
		Text:      b.String(),
		TurnCount: len(turns),
		Turns:     turns,
	}
	e.truncate(c)
	return c
}

// truncate enforces the output bound, always signaling with the marker.
func (e *Extractor) truncate(c *Content) {
	if len(c.Text) <= e.maxChars {
		return
	}
	cut := e.maxChars - len(e.marker)
	if cut < 0 {
		cut = 0
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for cut > 0 && !utf8.RuneStart(c.Text[cut]) {
		cut--
	}
	c.Text = c.Text[:cut] + e.marker
	c.Truncated = true
	logging.Extract("output truncated to %d chars", e.maxChars)
}

// cleanText normalizes whitespace and removes injected context blocks and
// known UI boilerplate.
func (e *Extractor) cleanText(s string) string {
	s = stripContextBlocks(s)
	for _, junk := range e.boilerplate {
		s = strings.ReplaceAll(s, junk, "")
	}
	return collapseWhitespace(s)
}

// stripContextBlocks removes everything between our own context markers,
// including the markers. An unterminated block is stripped to end-of-text.
func stripContextBlocks(s string) string {
	for {
		start := strings.Index(s, ContextBeginMarker)
		if start < 0 {
			return s
		}
		rest := s[start+len(ContextBeginMarker):]
		end := strings.Index(rest, ContextEndMarker)
		if end < 0 {
			return s[:start]
		}
		s = s[:start] + rest[end+len(ContextEndMarker):]
	}
}

// dedupeTurns drops turns whose normalized-prefix signature was already seen,
// tolerating a turn appearing both in a live region and a duplicated
// virtualized region.
func dedupeTurns(turns []Turn) []Turn {
	seen := make(map[string]bool, len(turns))
	out := turns[:0]
	for _, t := range turns {
		sig := t.Role + "|" + normalizedSignature(t.Text)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, t)
	}
	return out
}

// normalizedSignature lowercases, strips punctuation and whitespace, and
// keeps a fixed-length prefix.
func normalizedSignature(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			if b.Len() >= signatureLen {
				break
			}
		}
	}
	return b.String()
}

func roleLabel(role string) string {
	if role == "user" {
		return "User"
	}
	return "Assistant"
}

func normalizeRole(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "human":
		return "user"
	case "assistant", "ai", "bot", "model":
		return "assistant"
	}
	return ""
}

// flattenText walks the HTML tree collecting text nodes. Used by the
// fallback path where no turn structure is identifiable.
func flattenText(htmlStr string) string {
	node, err := xhtml.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return b.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
