package permission

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellCommand is one parsed command within a shell command line.
type ShellCommand struct {
	Name       string
	Args       []string
	Subcommand string // first non-flag argument, e.g. "push" in "git push"
}

// parseResult carries the parsed commands plus structural facts the safety
// check needs.
type parseResult struct {
	commands   []ShellCommand
	hasRedir   bool
	hasSubst   bool
	parseError bool
}

// ParseShell parses a command line into structured commands.
func ParseShell(command string) ([]ShellCommand, error) {
	res := parseShell(command)
	if res.parseError {
		return nil, fmt.Errorf("failed to parse command: %q", command)
	}
	return res.commands, nil
}

func parseShell(command string) parseResult {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return parseResult{parseError: true}
	}

	var res parseResult
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if cmd := callToCommand(n); cmd != nil {
				res.commands = append(res.commands, *cmd)
			}
		case *syntax.Redirect:
			res.hasRedir = true
		case *syntax.CmdSubst, *syntax.ProcSubst:
			res.hasSubst = true
		}
		return true
	})
	return res
}

func callToCommand(call *syntax.CallExpr) *ShellCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &ShellCommand{Name: wordText(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		s := wordText(arg)
		cmd.Args = append(cmd.Args, s)
		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd
}

func wordText(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// Prefix returns the 1-2 token whitelist key for a command: "git push" for
// commands with a subcommand, the bare name otherwise.
func (c ShellCommand) Prefix() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand
	}
	return c.Name
}
