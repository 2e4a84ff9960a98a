package analysis

import "regexp"

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

type securityPattern struct {
	re       *regexp.Regexp
	severity Severity
	message  string
}

// The table is ordered; scanning it in order keeps analysis deterministic
// over identical inputs.
var securityPatterns = []securityPattern{
	{regexp.MustCompile(`require\s*\(\s*['"]fs['"]\s*\)`), SeverityHigh, "file system access via require('fs') is not allowed"},
	{regexp.MustCompile(`require\s*\(\s*['"]child_process['"]\s*\)`), SeverityHigh, "spawning processes via require('child_process') is not allowed"},
	{regexp.MustCompile(`require\s*\(\s*['"]https?['"]\s*\)`), SeverityHigh, "raw HTTP clients via require('http'/'https') are not allowed"},
	{regexp.MustCompile(`require\s*\(\s*['"]net['"]\s*\)`), SeverityHigh, "raw sockets via require('net') are not allowed"},
	{regexp.MustCompile(`\beval\s*\(`), SeverityHigh, "eval() executes arbitrary code and is not allowed"},
	{regexp.MustCompile(`\bFunction\s*\(`), SeverityHigh, "the Function() constructor executes arbitrary code and is not allowed"},
	{regexp.MustCompile(`set(?:Timeout|Interval)\s*\(\s*['"]`), SeverityHigh, "timers with string arguments execute arbitrary code and are not allowed"},
	{regexp.MustCompile(`process\.exit`), SeverityMedium, "process.exit would terminate the game server"},
	{regexp.MustCompile(`process\.env`), SeverityMedium, "reading process.env can leak server configuration"},
	{regexp.MustCompile(`__dirname`), SeverityMedium, "__dirname exposes server file system paths"},
	{regexp.MustCompile(`__filename`), SeverityMedium, "__filename exposes server file system paths"},
	{regexp.MustCompile(`\bglobal\.`), SeverityLow, "writing to global state can interfere with the server runtime"},
	{regexp.MustCompile(`\bBuffer\.`), SeverityLow, "direct Buffer manipulation is discouraged"},
}

var (
	exportRe            = regexp.MustCompile(`module\.exports|export\s`)
	socketRe            = regexp.MustCompile(`\bsocket\b`)
	gameStateRe         = regexp.MustCompile(`\bgameState\b`)
	connectionHandlerRe = regexp.MustCompile(`handleConnection|onConnection|onPlayerJoin`)
)
