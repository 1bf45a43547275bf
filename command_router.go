package chatrelay

import (
	"strings"
	"unicode"
)

// Command is a parsed slash command.
type Command struct {
	// Name is the lowercased command token without the leading slash or @bot suffix.
	Name string
	// Args is the trimmed remainder after the first whitespace.
	Args string
}

// ParseCommand returns the command carried by text, or nil when text is a
// conversational message. It does not check Name against known commands.
//
//	ParseCommand("/Image@MyBot a red fox") // &Command{Name: "image", Args: "a red fox"}
//	ParseCommand("hello")                  // nil
func ParseCommand(text string) *Command {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return nil
	}
	rest := trimmed[1:]

	var token, args string
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		token = rest[:i]
		args = strings.TrimSpace(rest[i:])
	} else {
		token = rest
	}

	if at := strings.IndexByte(token, '@'); at >= 0 {
		token = token[:at]
	}

	return &Command{Name: strings.ToLower(token), Args: args}
}
