package analysis

import (
	"fmt"
	"strings"
)

type SecurityIssue struct {
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Line        int      `json:"line"`
	CodeSnippet string   `json:"code_snippet"`
}

type Result struct {
	IsValid        bool            `json:"is_valid"`
	SyntaxErrors   []string        `json:"syntax_errors"`
	SecurityIssues []SecurityIssue `json:"security_issues"`
	Warnings       []string        `json:"warnings"`
	Suggestions    []string        `json:"suggestions"`
}

func (r Result) HighSeverityIssues() []SecurityIssue {
	var high []SecurityIssue
	for _, issue := range r.SecurityIssues {
		if issue.Severity == SeverityHigh {
			high = append(high, issue)
		}
	}

	return high
}

// Analyze runs the line-oriented scan over a JavaScript source. It never
// panics out to callers; an internal failure yields an invalid result with
// a single syntax error describing the crash.
func Analyze(source string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				IsValid:      false,
				SyntaxErrors: []string{fmt.Sprintf("analysis failed internally: %v", r)},
			}
		}
	}()

	result = Result{
		SyntaxErrors:   []string{},
		SecurityIssues: []SecurityIssue{},
		Warnings:       []string{},
		Suggestions:    []string{},
	}

	lines := strings.Split(source, "\n")

	result.SyntaxErrors = append(result.SyntaxErrors, checkBrackets(lines)...)

	if !exportRe.MatchString(source) {
		result.SyntaxErrors = append(result.SyntaxErrors, "game module must export its handlers via module.exports or export")
	}

	for lineNo, line := range lines {
		for _, pattern := range securityPatterns {
			if pattern.re.MatchString(line) {
				result.SecurityIssues = append(result.SecurityIssues, SecurityIssue{
					Severity:    pattern.severity,
					Message:     pattern.message,
					Line:        lineNo + 1,
					CodeSnippet: strings.TrimSpace(line),
				})
			}
		}
	}

	if !socketRe.MatchString(source) {
		result.Warnings = append(result.Warnings, "no reference to 'socket' found; the game may not react to players")
	}
	if !gameStateRe.MatchString(source) {
		result.Warnings = append(result.Warnings, "no 'gameState' found; consider keeping game state in one place")
	}
	if !connectionHandlerRe.MatchString(source) {
		result.Warnings = append(result.Warnings, "no connection handler (handleConnection/onConnection/onPlayerJoin) found")
		result.Suggestions = append(result.Suggestions, "export a handleConnection(socket) function to receive players")
	}

	result.IsValid = len(result.SyntaxErrors) == 0 && len(result.HighSeverityIssues()) == 0

	return result
}

type openBracket struct {
	char byte
	line int
}

var bracketPairs = map[byte]byte{')': '(', ']': '[', '}': '{'}

// checkBrackets matches (), [] and {} across the whole source, skipping
// string literals and comments. It is a heuristic, not a JS parser.
func checkBrackets(lines []string) []string {
	var (
		errs    []string
		stack   []openBracket
		inBlock bool // inside /* */
	)

	for lineNo, line := range lines {
		var inString byte // ', " or ` while non-zero

		for i := 0; i < len(line); i++ {
			c := line[i]

			if inBlock {
				if c == '*' && i+1 < len(line) && line[i+1] == '/' {
					inBlock = false
					i++
				}
				continue
			}

			if inString != 0 {
				if c == '\\' {
					i++
				} else if c == inString {
					inString = 0
				}
				continue
			}

			switch c {
			case '\'', '"', '`':
				inString = c
			case '/':
				if i+1 < len(line) {
					if line[i+1] == '/' {
						i = len(line)
					} else if line[i+1] == '*' {
						inBlock = true
						i++
					}
				}
			case '(', '[', '{':
				stack = append(stack, openBracket{char: c, line: lineNo + 1})
			case ')', ']', '}':
				expected := bracketPairs[c]
				if len(stack) == 0 {
					errs = append(errs, fmt.Sprintf("unexpected '%c' on line %d", c, lineNo+1))
					continue
				}

				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.char != expected {
					errs = append(errs, fmt.Sprintf("mismatched '%c' on line %d, expected closing for '%c' from line %d", c, lineNo+1, top.char, top.line))
				}
			}
		}

		// Template literals may span lines; other strings ending at a line
		// break are treated as closed, keeping the scan line oriented.
	}

	for _, open := range stack {
		errs = append(errs, fmt.Sprintf("unclosed '%c' opened on line %d", open.char, open.line))
	}

	return errs
}
