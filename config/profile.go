package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/LoveWonYoung/vxlcan/bus"
)

// Profile is the bus initialization run by the init command: the messages
// and signal values that simulate the rest of the vehicle.
type Profile struct {
	// StartPeriodics starts every periodic database message first, except
	// those sent by ExceptNode.
	StartPeriodics bool   `yaml:"start_periodics"`
	ExceptNode     string `yaml:"except_node"`

	Messages []ProfileMessage `yaml:"messages"`
	Signals  []ProfileSignal  `yaml:"signals"`
}

// ProfileMessage is sent by name or id. Ids missing from the database are
// sent ad hoc with Period.
type ProfileMessage struct {
	ID     string `yaml:"id"`
	Data   string `yaml:"data"`
	Period int    `yaml:"period"`
}

type ProfileSignal struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	Force bool   `yaml:"force"`
}

// LoadProfile reads a YAML profile.
func LoadProfile(path string) (Profile, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}

	var p Profile

	if err = yaml.UnmarshalStrict(contents, &p); err != nil {
		return Profile{}, fmt.Errorf("unmarshal profile contents: %w", err)
	}

	return p, nil
}

// Apply sends the profile on ch and returns how many messages and signals
// were sent. It stops at the first failure.
func (p Profile) Apply(ch *bus.Channel) (int, error) {
	n := 0
	if p.StartPeriodics {
		started, err := ch.StartPeriodics(p.ExceptNode)
		if err != nil {
			return n, err
		}
		n += started
	}
	for _, m := range p.Messages {
		opts := bus.SendOptions{Period: m.Period}
		if db := ch.DB(); db == nil {
			opts.NotInDatabase = true
		} else if _, err := db.GetMessage(m.ID); err != nil {
			opts.NotInDatabase = true
		}
		if _, err := ch.SendMessage(m.ID, m.Data, opts); err != nil {
			return n, fmt.Errorf("message %s: %w", m.ID, err)
		}
		n++
	}
	for _, s := range p.Signals {
		if _, err := ch.SendSignal(s.Name, s.Value, bus.SendOptions{Force: s.Force}); err != nil {
			return n, fmt.Errorf("signal %s: %w", s.Name, err)
		}
		n++
	}
	return n, nil
}
