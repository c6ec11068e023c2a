package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tier-1 metadata is the synchronous, heuristic layer: cheap structural
// facts computed at ingest time. The richer tier-2/3 layers come later from
// the enrichment workers; the core only carries tier-1 as opaque JSON.

// headingRe captures markdown heading titles.
var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// linkRe matches markdown links.
var linkRe = regexp.MustCompile(`\[[^\]]*\]\([^)]+\)`)

// symbolRe captures top-level declaration names across mainstream languages.
var symbolRe = regexp.MustCompile(`(?m)^\s*(?:func|def|class|type|interface)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// htmlTitleRe captures the document title of an HTML page.
var htmlTitleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// emailFieldRe captures one header field per line.
var emailFieldRe = regexp.MustCompile(`(?mi)^(From|To|Subject|Date):\s*(.+)$`)

// maxTier1List caps list-valued tier-1 fields.
const maxTier1List = 20

// ExtractTier1 computes the doc-type-specific tier-1 metadata for text.
// The result is always valid JSON; unknown doc types get the text shape.
func ExtractTier1(docType, text, source string) json.RawMessage {
	base := map[string]any{
		"charCount": len(text),
		"wordCount": len(strings.Fields(text)),
		"lineCount": strings.Count(text, "\n") + 1,
	}

	switch docType {
	case DocTypeMarkdown:
		var headings []string
		for _, m := range headingRe.FindAllStringSubmatch(text, maxTier1List) {
			headings = append(headings, strings.TrimSpace(m[1]))
		}
		base["headings"] = headings
		base["linkCount"] = len(linkRe.FindAllString(text, -1))

	case DocTypeCode:
		if lang := LangForSource(source); lang != "" {
			base["language"] = lang
		}
		var symbols []string
		for _, m := range symbolRe.FindAllStringSubmatch(text, maxTier1List) {
			symbols = append(symbols, m[1])
		}
		base["symbols"] = symbols

	case DocTypeEmail:
		headers := map[string]string{}
		for _, m := range emailFieldRe.FindAllStringSubmatch(text, -1) {
			key := strings.ToLower(m[1])
			if _, ok := headers[key]; !ok {
				headers[key] = strings.TrimSpace(m[2])
			}
		}
		base["headers"] = headers

	case DocTypeArticle:
		if m := htmlTitleRe.FindStringSubmatch(text); m != nil {
			base["title"] = strings.TrimSpace(m[1])
		}
	}

	data, err := json.Marshal(base)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
