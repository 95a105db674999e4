package compliance

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// predicate is a named structural check. validate runs at load time so a bad
// argument fails the matrix rather than every check.
type predicate struct {
	validate func(arg string) error
	eval     func(text string, e *Entry) (ok bool, detail string)
}

// Pre-compiled patterns for the structural predicates.
var (
	// standardCodeRe matches Chinese national and sector standard codes such as
	// HJ 941-2018, GB/T 3840-1991 or AQ 3013—2008.
	standardCodeRe = regexp.MustCompile(`(?i)\b(GB|HJ|AQ|SH|HG|GBZ)(\s*/\s*T)?\s*\d{2,5}(\.\d+)?\s*[-—–]\s*\d{4}`)

	// subsectionRe matches headings and numbered subsection openers at line start.
	subsectionRe = regexp.MustCompile(`(?m)^\s*(#{1,6}\s+\S|（[一二三四五六七八九十]+）|[一二三四五六七八九十]+、|\d+(\.\d+)*[、．.)]\s*\S)`)

	// responseLevelRe matches the graded response levels of an emergency plan.
	responseLevelRe = regexp.MustCompile(`([一二三四]|Ⅰ|Ⅱ|Ⅲ|Ⅳ|IV|III|II|I)\s*级(响应|预警|事件)?`)

	tableRowRe = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)

	placeholderMarkers = []string{"TODO", "TBD", "XXX", "待补充", "【此处", "[placeholder]", "Lorem ipsum"}

	spaceRe = regexp.MustCompile(`\s+`)
)

var predicates = map[string]predicate{
	"min_length": {
		validate: positiveInt,
		eval: func(text string, e *Entry) (bool, string) {
			n, _ := strconv.Atoi(e.Arg)
			got := contentLength(text)
			if got < n {
				return false, fmt.Sprintf("正文过短（%d 字，至少 %d 字）", got, n)
			}
			return true, ""
		},
	},
	"max_length": {
		validate: positiveInt,
		eval: func(text string, e *Entry) (bool, string) {
			n, _ := strconv.Atoi(e.Arg)
			got := contentLength(text)
			if got > n {
				return false, fmt.Sprintf("正文过长（%d 字，至多 %d 字）", got, n)
			}
			return true, ""
		},
	},
	"cites_standard": {
		validate: func(string) error { return nil },
		eval: func(text string, e *Entry) (bool, string) {
			arg := e.Arg
			codes := standardCodeRe.FindAllString(text, -1)
			if arg == "" {
				if len(codes) == 0 {
					return false, "未引用具体标准编号"
				}
				return true, ""
			}
			want := normalizeCode(arg)
			for _, c := range codes {
				if normalizeCode(c) == want {
					return true, ""
				}
			}
			return false, fmt.Sprintf("未引用标准 %s", arg)
		},
	},
	"subsections": {
		validate: positiveInt,
		eval: func(text string, e *Entry) (bool, string) {
			n, _ := strconv.Atoi(e.Arg)
			got := len(subsectionRe.FindAllString(text, -1))
			if got < n {
				return false, fmt.Sprintf("分节不足（%d 个，至少 %d 个）", got, n)
			}
			return true, ""
		},
	},
	"response_levels": {
		validate: func(arg string) error {
			if arg == "" {
				return nil
			}
			return positiveInt(arg)
		},
		eval: func(text string, e *Entry) (bool, string) {
			arg := e.Arg
			n := 3
			if arg != "" {
				n, _ = strconv.Atoi(arg)
			}
			levels := make(map[string]bool)
			for _, m := range responseLevelRe.FindAllStringSubmatch(text, -1) {
				levels[canonicalLevel(m[1])] = true
			}
			if len(levels) < n {
				return false, fmt.Sprintf("应急响应分级不足（%d 级，至少 %d 级）", len(levels), n)
			}
			return true, ""
		},
	},
	"has_table": {
		validate: func(string) error { return nil },
		eval: func(text string, _ *Entry) (bool, string) {
			if len(tableRowRe.FindAllString(text, -1)) >= 2 || strings.Contains(strings.ToLower(text), "<table") {
				return true, ""
			}
			return false, "缺少表格"
		},
	},
	"no_placeholder": {
		validate: func(string) error { return nil },
		eval: func(text string, _ *Entry) (bool, string) {
			lower := strings.ToLower(text)
			for _, p := range placeholderMarkers {
				if strings.Contains(lower, strings.ToLower(p)) {
					return false, fmt.Sprintf("包含占位文字“%s”", p)
				}
			}
			return true, ""
		},
	},
	"regex": {
		validate: func(arg string) error {
			if arg == "" {
				return fmt.Errorf("pattern required")
			}
			_, err := regexp.Compile(arg)
			return err
		},
		eval: func(text string, e *Entry) (bool, string) {
			if e.patterns[0].MatchString(text) {
				return true, ""
			}
			return false, fmt.Sprintf("未匹配结构要求 /%s/", e.Arg)
		},
	},
}

// Checks returns the names of the available structural predicates, sorted.
func Checks() []string {
	names := make([]string, 0, len(predicates))
	for name := range predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func positiveInt(arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("argument %q is not an integer", arg)
	}
	if n <= 0 {
		return fmt.Errorf("argument must be positive")
	}
	return nil
}

// contentLength counts runes that are not whitespace.
func contentLength(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func normalizeCode(code string) string {
	code = strings.ToUpper(spaceRe.ReplaceAllString(code, ""))
	return strings.NewReplacer("—", "-", "–", "-").Replace(code)
}

func canonicalLevel(s string) string {
	switch s {
	case "一", "Ⅰ", "I":
		return "1"
	case "二", "Ⅱ", "II":
		return "2"
	case "三", "Ⅲ", "III":
		return "3"
	case "四", "Ⅳ", "IV":
		return "4"
	}
	return s
}

// excerpt returns up to radius runes either side of text[start:end].
func excerpt(text string, start, end, radius int) string {
	from := start
	for i := 0; i < radius && from > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:from])
		from -= size
	}
	to := end
	for i := 0; i < radius && to < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[to:])
		to += size
	}
	out := strings.TrimSpace(text[from:to])
	if from > 0 {
		out = "…" + out
	}
	if to < len(text) {
		out += "…"
	}
	return out
}
