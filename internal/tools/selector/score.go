package selector

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/partner/internal/tools/catalog"
)

const (
	groupWeight = 5
	nameWeight  = 3
	tokenWeight = 1

	minTokenRunes = 3
)

// keywordGroup ties words in the user's text to tool categories.
type keywordGroup struct {
	name       string
	keywords   []string
	categories []catalog.Category
	mcp        bool
}

var keywordGroups = []keywordGroup{
	{
		name:       "file",
		keywords:   []string{"file", "folder", "directory", "path", "read", "write", "save", "rename", "文件", "目录", "文件夹", "读取", "保存"},
		categories: []catalog.Category{catalog.CategoryFile},
	},
	{
		name:       "network",
		keywords:   []string{"web", "search", "url", "http", "website", "online", "internet", "news", "download", "网页", "搜索", "网络", "下载", "网站", "新闻"},
		categories: []catalog.Category{catalog.CategoryNetwork},
	},
	{
		name:       "calculation",
		keywords:   []string{"calculate", "compute", "math", "equation", "sum", "formula", "计算", "数学", "方程", "公式"},
		categories: []catalog.Category{"calculation"},
	},
	{
		name:       "terminal",
		keywords:   []string{"terminal", "shell", "command", "run", "script", "bash", "install", "build", "终端", "命令", "脚本", "运行", "安装"},
		categories: []catalog.Category{catalog.CategoryTerminal},
	},
	{
		name:       "document",
		keywords:   []string{"document", "docx", "word", "pptx", "slide", "office", "文档", "幻灯片", "演示"},
		categories: []catalog.Category{"document", "office"},
	},
	{
		name:       "spreadsheet",
		keywords:   []string{"spreadsheet", "excel", "xlsx", "csv", "table", "cell", "表格", "单元格"},
		categories: []catalog.Category{"spreadsheet"},
	},
	{
		name:       "game",
		keywords:   []string{"game", "play", "游戏", "玩"},
		categories: []catalog.Category{"game"},
	},
	{
		name:     "mcp",
		keywords: []string{"mcp", "plugin", "server", "插件"},
		mcp:      true,
	},
}

// matchesText matches ASCII keywords as whole words (or their plural) and
// CJK keywords as substrings.
func (g keywordGroup) matchesText(lowerText string, tokens map[string]bool) bool {
	for _, kw := range g.keywords {
		if hasWide(kw) {
			if strings.Contains(lowerText, kw) {
				return true
			}
			continue
		}
		if tokens[kw] || tokens[kw+"s"] {
			return true
		}
	}
	return false
}

func (g keywordGroup) matchesCategory(c catalog.Category) bool {
	if g.mcp && c.IsMCP() {
		return true
	}
	for _, cat := range g.categories {
		if cat == c {
			return true
		}
	}
	return false
}

// scorer caches the per-text work of scoring.
type scorer struct {
	lowerText string
	tokens    map[string]bool
	groups    []keywordGroup
}

func newScorer(userText string) *scorer {
	lower := strings.ToLower(userText)
	s := &scorer{lowerText: lower, tokens: map[string]bool{}}
	for _, tok := range tokenize(lower) {
		s.tokens[tok] = true
	}
	for _, g := range keywordGroups {
		if g.matchesText(lower, s.tokens) {
			s.groups = append(s.groups, g)
		}
	}
	return s
}

// score rates how relevant desc is to the user's text.
func (s *scorer) score(desc catalog.Descriptor) int {
	total := 0
	for _, g := range s.groups {
		if g.matchesCategory(desc.Category) {
			total += groupWeight
		}
	}
	if desc.Name != "" && strings.Contains(s.lowerText, strings.ToLower(desc.Name)) {
		total += nameWeight
	}
	seen := map[string]bool{}
	for _, tok := range tokenize(strings.ToLower(desc.Description)) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if s.overlaps(tok) {
			total += tokenWeight
		}
	}
	return total
}

func (s *scorer) overlaps(tok string) bool {
	if !hasWide(tok) {
		return s.tokens[tok]
	}
	// CJK text has no word boundaries: match the token, or any two-rune
	// window of it, as a substring.
	if strings.Contains(s.lowerText, tok) {
		return true
	}
	runes := []rune(tok)
	for i := 0; i+2 <= len(runes); i++ {
		if strings.Contains(s.lowerText, string(runes[i:i+2])) {
			return true
		}
	}
	return false
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "into": true, "its": true, "are": true,
}

// tokenize splits text on anything that is not a letter or digit and keeps
// tokens of at least three runes. CJK runs are kept whole with a two-rune
// minimum.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		n := len([]rune(f))
		if n >= minTokenRunes || (hasWide(f) && n >= 2) {
			out = append(out, f)
		}
	}
	return out
}

func hasWide(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
