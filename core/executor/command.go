package executor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sushant-115/gojodata/pkg/connection"
)

// CommandKind says how the command text is interpreted.
type CommandKind int

const (
	CommandText            CommandKind = iota // Text is a SQL statement
	CommandStoredProcedure                    // Text names a stored procedure; Args are its parameters
	CommandTableDirect                        // Text names a table whose rows are all returned
)

func (k CommandKind) String() string {
	switch k {
	case CommandText:
		return "text"
	case CommandStoredProcedure:
		return "stored_procedure"
	case CommandTableDirect:
		return "table_direct"
	default:
		return fmt.Sprintf("command_kind(%d)", int(k))
	}
}

// ParseCommandKind accepts the names returned by String, plus "sp", "proc"
// and "table".
func ParseCommandKind(s string) (CommandKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "sql":
		return CommandText, nil
	case "stored_procedure", "storedprocedure", "proc", "sp":
		return CommandStoredProcedure, nil
	case "table_direct", "tabledirect", "table":
		return CommandTableDirect, nil
	default:
		return 0, fmt.Errorf("%w: unknown command kind %q", ErrInvalidCommand, s)
	}
}

// PlaceholderStyle is how parameters are marked in rendered statements.
type PlaceholderStyle int

const (
	PlaceholderQuestion PlaceholderStyle = iota // ?, ?  (MySQL, SQLite)
	PlaceholderDollar                           // $1, $2 (PostgreSQL)
)

// PlaceholderFor returns the style the named driver expects.
func PlaceholderFor(driver string) PlaceholderStyle {
	if driver == connection.DriverPostgres {
		return PlaceholderDollar
	}
	return PlaceholderQuestion
}

func ParsePlaceholderStyle(s string) (PlaceholderStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "question", "?":
		return PlaceholderQuestion, nil
	case "dollar", "$":
		return PlaceholderDollar, nil
	default:
		return 0, fmt.Errorf("unknown placeholder style %q", s)
	}
}

// ErrInvalidCommand is returned, before anything touches the database, for a
// command that cannot be rendered.
var ErrInvalidCommand = errors.New("invalid command")

// Optionally schema-qualified identifier: name, schema.name.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// Command is one database operation request.
type Command struct {
	Text string
	Kind CommandKind
	Args []any
}

// SQL renders the statement sent to the driver.
func (c Command) SQL(style PlaceholderStyle) (string, error) {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty command text", ErrInvalidCommand)
	}

	switch c.Kind {
	case CommandText:
		return text, nil

	case CommandStoredProcedure:
		if !identifierPattern.MatchString(text) {
			return "", fmt.Errorf("%w: bad procedure name %q", ErrInvalidCommand, text)
		}
		marks := make([]string, len(c.Args))
		for i := range marks {
			if style == PlaceholderDollar {
				marks[i] = fmt.Sprintf("$%d", i+1)
			} else {
				marks[i] = "?"
			}
		}
		return fmt.Sprintf("CALL %s(%s)", text, strings.Join(marks, ", ")), nil

	case CommandTableDirect:
		if !identifierPattern.MatchString(text) {
			return "", fmt.Errorf("%w: bad table name %q", ErrInvalidCommand, text)
		}
		if len(c.Args) > 0 {
			return "", fmt.Errorf("%w: table-direct commands take no arguments", ErrInvalidCommand)
		}
		return "SELECT * FROM " + text, nil

	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidCommand, c.Kind)
	}
}

// Rebind rewrites the ? parameter marks of a text command into style.
// Marks inside single-quoted literals are left alone.
func Rebind(style PlaceholderStyle, query string) string {
	if style != PlaceholderDollar || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
