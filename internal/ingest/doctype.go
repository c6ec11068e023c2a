package ingest

import (
	"path"
	"regexp"
	"strings"
)

// Doc types recognised by the tier-1 extractors. Anything else degrades to
// text.
const (
	DocTypeText     = "text"
	DocTypeMarkdown = "markdown"
	DocTypeCode     = "code"
	DocTypeEmail    = "email"
	DocTypeArticle  = "article"
)

// codeExtLang maps file extensions to the language tag recorded on chunks.
var codeExtLang = map[string]string{
	".go":    "go",
	".ts":    "ts",
	".tsx":   "ts",
	".js":    "js",
	".jsx":   "js",
	".py":    "py",
	".rb":    "rb",
	".rs":    "rs",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cs":    "cs",
	".php":   "php",
	".sh":    "sh",
	".sql":   "sql",
	".tf":    "tf",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".swift": "swift",
	".kt":    "kt",
}

// emailHeaderRe matches the leading RFC-2822-style header block of an email.
var emailHeaderRe = regexp.MustCompile(`(?mi)^(From|To|Subject|Date|Message-ID):\s`)

// codeHintRe matches constructs common across mainstream languages.
var codeHintRe = regexp.MustCompile(`(?m)^\s*(func |def |class |import |package |const |var |public |private |#include)`)

// markdownHintRe matches markdown headings and fenced code blocks.
var markdownHintRe = regexp.MustCompile("(?m)^(#{1,6} |```)")

// ClassifyDocType resolves the doc type for an item. Resolution order:
// explicit item field, URL hints, content patterns, file extension, then
// the text fallback.
func ClassifyDocType(explicit, source, contentType, text string) string {
	if explicit != "" {
		return explicit
	}

	lower := strings.ToLower(source)

	// URL hints.
	if strings.Contains(lower, "github.com") && (strings.Contains(lower, "/blob/") || strings.Contains(lower, "/raw/")) {
		return DocTypeCode
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if strings.Contains(contentType, "text/html") {
			return DocTypeArticle
		}
	}
	if strings.Contains(contentType, "message/rfc822") {
		return DocTypeEmail
	}
	if strings.Contains(contentType, "text/markdown") {
		return DocTypeMarkdown
	}

	// Content patterns on the first few KB.
	head := text
	if len(head) > 4096 {
		head = head[:4096]
	}
	if emailHeaderRe.MatchString(head) && strings.Count(head, "\n") > 2 {
		return DocTypeEmail
	}
	if markdownHintRe.MatchString(head) {
		return DocTypeMarkdown
	}
	if codeHintRe.MatchString(head) {
		return DocTypeCode
	}

	// Extension.
	ext := strings.ToLower(path.Ext(strings.SplitN(lower, "?", 2)[0]))
	switch {
	case ext == ".md" || ext == ".markdown":
		return DocTypeMarkdown
	case ext == ".eml":
		return DocTypeEmail
	case ext == ".html" || ext == ".htm":
		return DocTypeArticle
	case codeExtLang[ext] != "":
		return DocTypeCode
	}

	return DocTypeText
}

// LangForSource returns the language tag for code sources, empty otherwise.
func LangForSource(source string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(source, "?", 2)[0]))
	return codeExtLang[ext]
}
