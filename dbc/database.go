package dbc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.einride.tech/can/pkg/dbc"
)

// Node is a network node. TxMessages are the messages it transmits.
type Node struct {
	Name       string
	SourceID   int64
	Comment    string
	TxMessages []*Message
}

// Database is an imported DBC file.
type Database struct {
	Path     string
	Nodes    []*Node
	Messages []*Message

	byID   map[uint32]*Message
	byName map[string]*Message
	nodes  map[string]*Node
}

// Load imports a database file. Only .dbc files are supported.
func Load(path string) (*Database, error) {
	if filepath.Ext(path) != ".dbc" {
		return nil, fmt.Errorf("%w: %s (supported: .dbc)", ErrUnsupportedFile, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read database: %w", err)
	}
	db, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		db.Path = abs
	}
	return db, nil
}

// Parse builds a database from DBC source text.
func Parse(name string, data []byte) (*Database, error) {
	p := dbc.NewParser(name, data)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	db := &Database{
		Path:   name,
		byID:   make(map[uint32]*Message),
		byName: make(map[string]*Message),
		nodes:  make(map[string]*Node),
	}
	defs := p.Defs()
	enums := make(map[string][]string)
	for _, def := range defs {
		switch d := def.(type) {
		case *dbc.NodesDef:
			for _, n := range d.NodeNames {
				db.node(string(n))
			}
		case *dbc.MessageDef:
			db.addMessage(d)
		case *dbc.AttributeDef:
			if len(d.EnumValues) > 0 {
				enums[string(d.Name)] = d.EnumValues
			}
		}
	}
	if len(db.Messages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMessages, name)
	}
	for _, def := range defs {
		switch d := def.(type) {
		case *dbc.CommentDef:
			db.applyComment(d)
		case *dbc.AttributeValueForObjectDef:
			db.applyAttribute(d, enums)
		case *dbc.ValueDescriptionsDef:
			db.applyValues(d)
		}
	}
	sort.Slice(db.Messages, func(i, j int) bool { return db.Messages[i].ID < db.Messages[j].ID })
	return db, nil
}

func (db *Database) String() string {
	return fmt.Sprintf("Database(%s)", filepath.Base(db.Path))
}

func (db *Database) node(name string) *Node {
	key := strings.ToLower(name)
	if n, ok := db.nodes[key]; ok {
		return n
	}
	n := &Node{Name: name}
	db.nodes[key] = n
	db.Nodes = append(db.Nodes, n)
	return n
}

func (db *Database) addMessage(d *dbc.MessageDef) {
	rawID := uint32(d.MessageID)
	m := &Message{
		ID:         rawID & MaxID,
		Name:       string(d.Name),
		DLC:        int(d.Size),
		Sender:     string(d.Transmitter),
		IsExtended: rawID&0x80000000 != 0 || rawID&MaxID > 0x7FF,
	}
	m.IsFD = m.DLC > 8
	m.data = make([]byte, m.DLC)
	for i := range d.Signals {
		s := &d.Signals[i]
		sig := &Signal{
			Name:      string(s.Name),
			StartBit:  int(s.StartBit),
			Length:    int(s.Size),
			BigEndian: s.IsBigEndian,
			Signed:    s.IsSigned,
			Scale:     s.Factor,
			Offset:    s.Offset,
			Min:       s.Minimum,
			Max:       s.Maximum,
			Units:     s.Unit,
			msg:       m,
		}
		for _, r := range s.Receivers {
			sig.Receivers = append(sig.Receivers, string(r))
		}
		m.Signals = append(m.Signals, sig)
	}
	db.Messages = append(db.Messages, m)
	db.byID[m.ID] = m
	db.byName[strings.ToLower(m.Name)] = m
	if m.Sender != "" && m.Sender != "Vector__XXX" {
		n := db.node(m.Sender)
		n.TxMessages = append(n.TxMessages, m)
	}
}

func (db *Database) signalOf(id dbc.MessageID, name dbc.Identifier) (*Message, *Signal) {
	m := db.byID[uint32(id)&MaxID]
	if m == nil {
		return nil, nil
	}
	for _, s := range m.Signals {
		if s.Name == string(name) {
			return m, s
		}
	}
	return m, nil
}

func (db *Database) applyComment(d *dbc.CommentDef) {
	switch d.ObjectType {
	case dbc.ObjectTypeNetworkNode:
		if n, ok := db.nodes[strings.ToLower(string(d.NodeName))]; ok {
			n.Comment = d.Comment
		}
	case dbc.ObjectTypeMessage:
		if m := db.byID[uint32(d.MessageID)&MaxID]; m != nil {
			m.Comment = d.Comment
		}
	case dbc.ObjectTypeSignal:
		if _, s := db.signalOf(d.MessageID, d.SignalName); s != nil {
			s.Comment = d.Comment
		}
	}
}

// attrNumber returns the numeric value of an attribute assignment whatever
// way the file wrote it.
func attrNumber(d *dbc.AttributeValueForObjectDef) (float64, bool) {
	switch {
	case d.IntValue != 0:
		return float64(d.IntValue), true
	case d.FloatValue != 0:
		return d.FloatValue, true
	case d.StringValue != "":
		f, err := strconv.ParseFloat(d.StringValue, 64)
		return f, err == nil
	}
	return 0, true
}

func (db *Database) applyAttribute(d *dbc.AttributeValueForObjectDef, enums map[string][]string) {
	name := string(d.AttributeName)
	num, isNum := attrNumber(d)
	switch d.ObjectType {
	case dbc.ObjectTypeNetworkNode:
		if name == "source_id" && isNum {
			db.node(string(d.NodeName)).SourceID = int64(num)
		}
	case dbc.ObjectTypeMessage:
		m := db.byID[uint32(d.MessageID)&MaxID]
		if m == nil {
			return
		}
		switch name {
		case "GenMsgCycleTime":
			m.Period = int(num)
		case "GenMsgDelayTime":
			m.Delay = int(num)
		case "GenMsgNrOfRepetitions":
			m.Repetitions = int(num)
		case "SystemMessageLongSymbol":
			m.LongName = d.StringValue
		case "VFrameFormat":
			format := d.StringValue
			if values := enums[name]; format == "" && int(num) < len(values) {
				format = values[int(num)]
			}
			if strings.Contains(format, "FD") {
				m.IsFD = true
			}
		case "CANFD_BRS":
			m.BRS = num != 0
		}
	case dbc.ObjectTypeSignal:
		_, s := db.signalOf(d.MessageID, d.SignalName)
		if s == nil {
			return
		}
		switch name {
		case "SignalLongName":
			s.LongName = d.StringValue
		case "GenSigStartValue":
			if isNum {
				raw := int64(num)
				s.InitValue = &raw
				s.SetRaw(uint64(raw))
			}
		}
	}
}

func (db *Database) applyValues(d *dbc.ValueDescriptionsDef) {
	if d.SignalName == "" {
		return
	}
	_, s := db.signalOf(d.MessageID, d.SignalName)
	if s == nil {
		return
	}
	s.Values = make(map[string]int64, len(d.ValueDescriptions))
	for _, vd := range d.ValueDescriptions {
		s.Values[vd.Description] = int64(vd.Value)
	}
}

// MessageByID returns the message with the given id.
func (db *Database) MessageByID(id uint32) (*Message, bool) {
	m, ok := db.byID[id&MaxID]
	return m, ok
}

// MessageByName is a case-insensitive exact lookup.
func (db *Database) MessageByName(name string) (*Message, bool) {
	m, ok := db.byName[strings.ToLower(name)]
	return m, ok
}
