package permission

import (
	"regexp"
	"sort"
)

// readOnlyTools never modify state and are auto-allowed in smart and
// supervised modes.
var readOnlyTools = map[string]bool{
	"read":      true,
	"glob":      true,
	"grep":      true,
	"list":      true,
	"ls":        true,
	"webfetch":  true,
	"websearch": true,
	"todoread":  true,
}

// ReadOnlyTools returns the fixed read-only allowlist, sorted.
func ReadOnlyTools() []string {
	names := make([]string, 0, len(readOnlyTools))
	for name := range readOnlyTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// safeCommands is the conservative grammar for shell commands that may run
// unattended in smart mode. An empty subcommand set allows any subcommand;
// otherwise only the listed ones pass.
var safeCommands = map[string]map[string]bool{
	"ls":     nil,
	"cat":    nil,
	"head":   nil,
	"tail":   nil,
	"wc":     nil,
	"pwd":    nil,
	"echo":   nil,
	"env":    nil,
	"date":   nil,
	"which":  nil,
	"whoami": nil,
	"file":   nil,
	"stat":   nil,
	"grep":   nil,
	"rg":     nil,
	"find":   nil,
	"tree":   nil,
	"go": {
		"version": true, "env": true, "list": true,
	},
	"git": {
		"status": true, "log": true, "diff": true, "show": true,
		"branch": true, "remote": true, "blame": true,
	},
	"npm": {
		"ls": true, "view": true, "outdated": true,
	},
}

// IsSafeCommand reports whether every command in the line matches the safe
// grammar. Redirections and substitutions disqualify the whole line: a
// "safe" command writing through a redirect is not safe.
func IsSafeCommand(command string) bool {
	res := parseShell(command)
	if res.parseError || res.hasRedir || res.hasSubst || len(res.commands) == 0 {
		return false
	}

	for _, cmd := range res.commands {
		subs, ok := safeCommands[cmd.Name]
		if !ok {
			return false
		}
		if subs != nil && !subs[cmd.Subcommand] {
			return false
		}
	}
	return true
}

// destructivePatterns flag commands whose effects are hard to undo.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bdd\s+`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b`),
	regexp.MustCompile(`\bgit\s+push\s+.*(--force|-f)\b`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?777\b`),
	regexp.MustCompile(`\btruncate\b`),
	regexp.MustCompile(`:\(\)\s*\{`),
	regexp.MustCompile(`>\s*/dev/sd`),
}

// DangerLevel classifies a shell command for the approval prompt.
func DangerLevel(command string) string {
	for _, re := range destructivePatterns {
		if re.MatchString(command) {
			return "dangerous"
		}
	}
	return "normal"
}
