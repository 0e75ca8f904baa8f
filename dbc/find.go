package dbc

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMessageID reads a message id. Decimal is tried first, then hex with or
// without a 0x prefix. Anything else returns ErrNotID so callers can fall back
// to a name lookup.
func ParseMessageID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		v, err = strconv.ParseUint(h, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotID, s)
		}
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: %s is out of range", ErrOutOfRange, s)
	}
	return uint32(v), nil
}

func matches(text, query string, exact bool) bool {
	if text == "" {
		return false
	}
	text, query = strings.ToLower(text), strings.ToLower(query)
	if exact {
		return text == query
	}
	return strings.Contains(text, query)
}

// FindNodes returns nodes whose name contains (or, when exact, equals) query.
func (db *Database) FindNodes(query string, exact bool) []*Node {
	var out []*Node
	for _, n := range db.Nodes {
		if matches(n.Name, query, exact) {
			out = append(out, n)
		}
	}
	return out
}

// FindMessages looks a message up by id first, then by short or long name.
func (db *Database) FindMessages(query string, exact bool) []*Message {
	if id, err := ParseMessageID(query); err == nil {
		if m, ok := db.MessageByID(id); ok {
			return []*Message{m}
		}
	}
	var out []*Message
	for _, m := range db.Messages {
		if matches(m.Name, query, exact) || matches(m.LongName, query, exact) {
			out = append(out, m)
		}
	}
	return out
}

// FindSignals matches against short and long signal names.
func (db *Database) FindSignals(query string, exact bool) []*Signal {
	var out []*Signal
	for _, m := range db.Messages {
		for _, s := range m.Signals {
			if matches(s.Name, query, exact) || matches(s.LongName, query, exact) {
				out = append(out, s)
			}
		}
	}
	return out
}

// GetMessage resolves an id or an exact name.
func (db *Database) GetMessage(nameOrID string) (*Message, error) {
	if id, err := ParseMessageID(nameOrID); err == nil {
		if m, ok := db.MessageByID(id); ok {
			return m, nil
		}
	}
	if m, ok := db.MessageByName(nameOrID); ok {
		return m, nil
	}
	for _, m := range db.Messages {
		if matches(m.LongName, nameOrID, true) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: message %s", ErrNotFound, nameOrID)
}

// GetSignal resolves an exact signal name. Names shared by several messages
// return ErrAmbiguous.
func (db *Database) GetSignal(name string) (*Signal, error) {
	found := db.FindSignals(name, true)
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: signal %s", ErrNotFound, name)
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("%w: signal %s is in %d messages", ErrAmbiguous, name, len(found))
}

// GetNode resolves an exact node name.
func (db *Database) GetNode(name string) (*Node, error) {
	if n, ok := db.nodes[strings.ToLower(name)]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: node %s", ErrNotFound, name)
}
