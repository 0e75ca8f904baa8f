package main

import (
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
	"github.com/LoveWonYoung/vxlcan/config"
)

const defaultChannel = 1

// promptFunc asks the user for a line of input.
type promptFunc func(label string) (string, error)

func terminalPrompt(label string) (string, error) {
	p := promptui.Prompt{Label: label}
	s, err := p.Run()
	return strings.TrimSpace(s), err
}

// resolveChannel prefers the -c flag, then PORT_CAN, then asks. Anything
// that is not a number falls back to channel 1.
func resolveChannel(flagValue string, e config.Env, ask promptFunc, lg *zap.SugaredLogger) (int, error) {
	s := flagValue
	if s == "" && e.Channel != 0 {
		return e.Channel, nil
	}
	if s == "" {
		var err error
		if s, err = ask("Enter the CAN channel you'd like to open"); err != nil {
			return 0, err
		}
	}
	if s == "" {
		lg.Warn("Defaulting to channel 1")
		return defaultChannel, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		lg.Errorw("Invalid channel - defaulting to channel 1", "channel", s)
		return defaultChannel, nil
	}
	return n, nil
}

// resolveBaud prefers CAN_BAUD_RATE and otherwise asks, falling back to
// 500 kBd.
func resolveBaud(e config.Env, ask promptFunc, lg *zap.SugaredLogger) (int, error) {
	if e.BaudRate != 0 {
		return e.BaudRate, nil
	}
	s, err := ask("Enter the baudrate for that channel")
	if err != nil {
		return 0, err
	}
	if s == "" {
		lg.Warn("Defaulting to 500kbaud")
		return config.DefaultBaudRate, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		lg.Errorw("Invalid baudrate - defaulting to 500kbaud", "baud", s)
		return config.DefaultBaudRate, nil
	}
	return n, nil
}

// importDatabase imports path into ch, asking for another path until one
// imports or the user skips. The imported path is returned.
func importDatabase(ch *bus.Channel, path string, ask promptFunc, lg *zap.SugaredLogger) string {
	for {
		if path != "" {
			err := ch.SetDatabase(path)
			if err == nil {
				return path
			}
			lg.Errorw("unable to import database", "path", path, "error", err)
		}
		next, err := ask("Enter the path to a dbc file (press enter to skip)")
		if err != nil || next == "" {
			lg.Warn("Skipping dbc import - most functions will not work!")
			return ""
		}
		path = next
	}
}
