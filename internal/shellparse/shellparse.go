// Package shellparse splits shell command lines into their pipeline
// parts so the permission engine can reason about each command
// separately. It understands quoting and escaping but performs no
// expansion; anything it cannot analyze conservatively disqualifies
// the command from safe treatment.
package shellparse

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrUnbalancedQuote reports an unterminated single or double quote.
	ErrUnbalancedQuote = errors.New("unbalanced quote")
	// ErrUnbalancedGroup reports an unterminated $(, ( or backtick group.
	ErrUnbalancedGroup = errors.New("unbalanced command group")
	// ErrDanglingEscape reports a trailing backslash.
	ErrDanglingEscape = errors.New("dangling escape at end of command")
	// ErrEmptySegment reports an empty command between separators.
	ErrEmptySegment = errors.New("empty command segment")
)

// Part is one command of a compound command line.
type Part struct {
	// Raw is the verbatim segment text, trimmed.
	Raw string
	// Tokens are the shell words with quotes stripped.
	Tokens []string
	// HasOutputRedirect is set when the segment contains an unquoted
	// > or >> (including 2> and &>), i.e. it writes a file.
	HasOutputRedirect bool
	// HasInputRedirect is set for unquoted <.
	HasInputRedirect bool
	// HasSubstitution is set for $(...), `...` or a subshell group;
	// such segments run commands the parser cannot see.
	HasSubstitution bool
}

// separators in precedence order; two-char operators first.
var separators = []string{"&&", "||", ";", "|"}

// Split parses a command line into pipeline parts. Separators are
// && || ; and | outside quotes and groups; a single & is not a
// separator. Unbalanced quoting or grouping is an error so callers
// never treat a command they could not parse as safe.
func Split(command string) ([]Part, error) {
	segments, flags, err := splitSegments(command)
	if err != nil {
		return nil, err
	}

	parts := make([]Part, 0, len(segments))
	for i, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			return nil, ErrEmptySegment
		}
		tokens, err := tokenize(trimmed)
		if err != nil {
			return nil, err
		}
		if len(tokens) == 0 {
			return nil, ErrEmptySegment
		}
		parts = append(parts, Part{
			Raw:               trimmed,
			Tokens:            tokens,
			HasOutputRedirect: flags[i].outRedirect,
			HasInputRedirect:  flags[i].inRedirect,
			HasSubstitution:   flags[i].substitution,
		})
	}
	return parts, nil
}

type segmentFlags struct {
	outRedirect  bool
	inRedirect   bool
	substitution bool
}

// splitSegments scans the command once, cutting at separators and
// collecting per-segment flags.
func splitSegments(command string) ([]string, []segmentFlags, error) {
	var (
		segments   []string
		flagList   []segmentFlags
		current    strings.Builder
		flags      segmentFlags
		inSingle   bool
		inDouble   bool
		inBacktick bool
		parenDepth int
	)

	runes := []rune(command)
	cut := func() {
		segments = append(segments, current.String())
		flagList = append(flagList, flags)
		current.Reset()
		flags = segmentFlags{}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inSingle {
			current.WriteRune(r)
			if r == '\'' {
				inSingle = false
			}
			continue
		}

		if r == '\\' {
			if i == len(runes)-1 {
				return nil, nil, ErrDanglingEscape
			}
			current.WriteRune(r)
			i++
			current.WriteRune(runes[i])
			continue
		}

		if inDouble {
			current.WriteRune(r)
			switch r {
			case '"':
				inDouble = false
			case '$':
				if i+1 < len(runes) && runes[i+1] == '(' {
					flags.substitution = true
				}
			case '`':
				flags.substitution = true
				inBacktick = !inBacktick
			}
			continue
		}

		switch r {
		case '\'':
			inSingle = true
			current.WriteRune(r)
			continue
		case '"':
			inDouble = true
			current.WriteRune(r)
			continue
		case '`':
			flags.substitution = true
			inBacktick = !inBacktick
			current.WriteRune(r)
			continue
		case '(':
			// $( and bare subshells both run nested commands
			flags.substitution = true
			parenDepth++
			current.WriteRune(r)
			continue
		case ')':
			if parenDepth > 0 {
				parenDepth--
			}
			current.WriteRune(r)
			continue
		}

		if inBacktick || parenDepth > 0 {
			current.WriteRune(r)
			continue
		}

		switch r {
		case '>':
			flags.outRedirect = true
			current.WriteRune(r)
			continue
		case '<':
			flags.inRedirect = true
			current.WriteRune(r)
			continue
		}

		// Separator detection
		if r == '&' && i+1 < len(runes) && runes[i+1] == '&' {
			// &> is a redirect, not a separator; handled above via '>'
			cut()
			i++
			continue
		}
		if r == '|' {
			if i+1 < len(runes) && runes[i+1] == '|' {
				cut()
				i++
				continue
			}
			cut()
			continue
		}
		if r == ';' {
			cut()
			continue
		}

		current.WriteRune(r)
	}

	if inSingle || inDouble {
		return nil, nil, ErrUnbalancedQuote
	}
	if inBacktick || parenDepth > 0 {
		return nil, nil, ErrUnbalancedGroup
	}

	cut()
	return segments, flagList, nil
}

// tokenize splits one segment into shell words, stripping quotes.
// Redirect operators become their own tokens.
func tokenize(segment string) ([]string, error) {
	var (
		tokens     []string
		current    strings.Builder
		inWord     bool
		inSingle   bool
		inDouble   bool
		inBacktick bool
		parenDepth int
	)

	flush := func() {
		if inWord {
			tokens = append(tokens, current.String())
			current.Reset()
			inWord = false
		}
	}

	runes := []rune(segment)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inSingle {
			if r == '\'' {
				inSingle = false
				continue
			}
			current.WriteRune(r)
			continue
		}

		if r == '\\' && !inBacktick && parenDepth == 0 {
			if i == len(runes)-1 {
				return nil, ErrDanglingEscape
			}
			i++
			current.WriteRune(runes[i])
			inWord = true
			continue
		}

		if inDouble {
			if r == '"' {
				inDouble = false
				continue
			}
			current.WriteRune(r)
			continue
		}

		if inBacktick || parenDepth > 0 {
			current.WriteRune(r)
			switch r {
			case '`':
				inBacktick = !inBacktick
			case '(':
				parenDepth++
			case ')':
				parenDepth--
			}
			continue
		}

		switch r {
		case '\'':
			inSingle = true
			inWord = true
			continue
		case '"':
			inDouble = true
			inWord = true
			continue
		case '`':
			inBacktick = true
			inWord = true
			current.WriteRune(r)
			continue
		case '(':
			parenDepth++
			inWord = true
			current.WriteRune(r)
			continue
		case ' ', '\t', '\n', '\r':
			flush()
			continue
		case '>', '<':
			flush()
			op := string(r)
			if r == '>' && i+1 < len(runes) && runes[i+1] == '>' {
				op = ">>"
				i++
			}
			tokens = append(tokens, op)
			continue
		}

		inWord = true
		current.WriteRune(r)
	}

	if inSingle || inDouble {
		return nil, ErrUnbalancedQuote
	}
	if inBacktick || parenDepth > 0 {
		return nil, ErrUnbalancedGroup
	}

	flush()
	return tokens, nil
}

// safeFilters are commands that only read their input and write to
// stdout. A compound command made entirely of these (without redirects
// or substitution) cannot modify the workspace.
var safeFilters = map[string]bool{
	"head": true, "tail": true, "grep": true, "egrep": true,
	"fgrep": true, "sed": true, "awk": true, "cut": true,
	"sort": true, "uniq": true, "wc": true, "tr": true,
	"less": true, "more": true, "cat": true, "tee": true,
	"column": true, "nl": true, "jq": true,
}

var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// commandTokens strips leading environment assignments and sudo-style
// wrappers, returning the remaining tokens.
func commandTokens(tokens []string) []string {
	i := 0
	for i < len(tokens) && envAssignment.MatchString(tokens[i]) {
		i++
	}
	for i < len(tokens) {
		switch tokens[i] {
		case "sudo", "command", "nohup", "time":
			i++
			continue
		}
		break
	}
	return tokens[i:]
}

// BaseCommand returns the command name of a part: the first token
// after environment assignments and wrappers, with any path prefix
// stripped (/usr/bin/git reports as git).
func BaseCommand(part Part) string {
	tokens := commandTokens(part.Tokens)
	if len(tokens) == 0 {
		return ""
	}
	return filepath.Base(tokens[0])
}

// Arguments returns the tokens after the command name, wrappers and
// environment assignments stripped.
func Arguments(part Part) []string {
	tokens := commandTokens(part.Tokens)
	if len(tokens) <= 1 {
		return nil
	}
	return tokens[1:]
}

// IsSafeFilter reports whether the part is a read-only filter: its
// command is in the safe set, it has no output redirect or
// substitution, and no flag turns it into a writer (sed -i,
// find -delete). tee with file arguments writes those files, so it is
// only safe bare.
func IsSafeFilter(part Part) bool {
	if part.HasOutputRedirect || part.HasSubstitution {
		return false
	}
	base := BaseCommand(part)
	if !safeFilters[base] {
		return false
	}
	if HasDestructiveFlag(part) {
		return false
	}
	if base == "tee" {
		for _, arg := range Arguments(part) {
			if !strings.HasPrefix(arg, "-") {
				return false
			}
		}
	}
	return true
}

// HasDestructiveFlag reports flags that make an otherwise read-only
// command write or delete: sed -i / --in-place and find -delete.
func HasDestructiveFlag(part Part) bool {
	base := BaseCommand(part)
	args := Arguments(part)
	switch base {
	case "sed":
		for _, arg := range args {
			if strings.HasPrefix(arg, "-i") && !strings.HasPrefix(arg, "--") {
				return true
			}
			if arg == "--in-place" || strings.HasPrefix(arg, "--in-place=") {
				return true
			}
		}
	case "find":
		for _, arg := range args {
			if arg == "-delete" {
				return true
			}
		}
	}
	return false
}

// CDTarget reports whether the part is a cd command and returns its
// target. A bare cd targets the home directory and is reported as "~".
func CDTarget(part Part) (string, bool) {
	tokens := commandTokens(part.Tokens)
	if len(tokens) == 0 || tokens[0] != "cd" {
		return "", false
	}
	if len(tokens) == 1 {
		return "~", true
	}
	return tokens[1], true
}

// EffectiveDirs returns the working directory in effect for each part,
// starting from base. cd parts change the directory for subsequent
// parts; the computation is purely textual.
func EffectiveDirs(parts []Part, base string) []string {
	dirs := make([]string, len(parts))
	current := base
	for i, part := range parts {
		dirs[i] = current
		if target, ok := CDTarget(part); ok {
			if filepath.IsAbs(target) {
				current = filepath.Clean(target)
			} else if target == "~" || strings.HasPrefix(target, "~/") {
				current = target // home-relative, resolved by the caller
			} else {
				current = filepath.Join(current, target)
			}
		}
	}
	return dirs
}
