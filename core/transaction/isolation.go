package transaction

import (
	"database/sql"
	"fmt"
	"strings"
)

// IsolationLevel is the isolation requested when a shared transaction is
// first begun. The zero value leaves the choice to the driver.
type IsolationLevel int

const (
	IsolationUnspecified IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationWriteCommitted
	IsolationRepeatableRead
	IsolationSnapshot
	IsolationSerializable
	IsolationLinearizable
)

var isolationNames = map[IsolationLevel]string{
	IsolationUnspecified:     "unspecified",
	IsolationReadUncommitted: "read_uncommitted",
	IsolationReadCommitted:   "read_committed",
	IsolationWriteCommitted:  "write_committed",
	IsolationRepeatableRead:  "repeatable_read",
	IsolationSnapshot:        "snapshot",
	IsolationSerializable:    "serializable",
	IsolationLinearizable:    "linearizable",
}

func (l IsolationLevel) String() string {
	if name, ok := isolationNames[l]; ok {
		return name
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// SQL maps the level onto database/sql.
func (l IsolationLevel) SQL() sql.IsolationLevel {
	switch l {
	case IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case IsolationReadCommitted:
		return sql.LevelReadCommitted
	case IsolationWriteCommitted:
		return sql.LevelWriteCommitted
	case IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case IsolationSnapshot:
		return sql.LevelSnapshot
	case IsolationSerializable:
		return sql.LevelSerializable
	case IsolationLinearizable:
		return sql.LevelLinearizable
	default:
		return sql.LevelDefault
	}
}

func (l IsolationLevel) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: l.SQL()}
}

// ParseIsolationLevel accepts the String form as well as spaced or dashed
// spellings ("Read Committed", "read-committed"). Empty and "default" mean
// IsolationUnspecified.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	if norm == "" || norm == "default" {
		return IsolationUnspecified, nil
	}
	for level, name := range isolationNames {
		if name == norm {
			return level, nil
		}
	}
	return IsolationUnspecified, fmt.Errorf("unknown isolation level %q", s)
}

func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *IsolationLevel) UnmarshalText(text []byte) error {
	level, err := ParseIsolationLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}
