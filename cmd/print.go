package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/LoveWonYoung/vxlcan/dbc"
)

var (
	helpColor   = color.New(color.FgRed, color.Bold)
	errorColor  = color.New(color.FgRed)
	nodeColor   = color.New(color.FgCyan)
	msgColor    = color.New(color.FgGreen)
	signalColor = color.New(color.FgYellow)
)

func printNode(w io.Writer, n *dbc.Node) {
	nodeColor.Fprintf(w, "Node: %s", n.Name)
	if n.Comment != "" {
		fmt.Fprintf(w, " - %s", n.Comment)
	}
	fmt.Fprintf(w, " (%d messages)\n", len(n.TxMessages))
}

func printMessage(w io.Writer, m *dbc.Message) {
	name := m.Name
	if m.LongName != "" {
		name = m.LongName
	}
	msgColor.Fprintf(w, "Message: %s - ID: 0x%X", name, m.ID)
	fmt.Fprintf(w, " DLC: %d", m.DLC)
	if m.Period > 0 {
		fmt.Fprintf(w, " Period: %dms", m.Period)
	}
	if m.Sender != "" {
		fmt.Fprintf(w, " Sender: %s", m.Sender)
	}
	fmt.Fprintf(w, " Data: %s\n", m.HexData())
}

// printSignal writes the signal's layout and either its current value or
// its value table.
func printSignal(w io.Writer, s *dbc.Signal, value bool) {
	signalColor.Fprintf(w, "    Signal: %s", s.DisplayName())
	if s.LongName != "" {
		fmt.Fprintf(w, " (%s)", s.Name)
	}
	if value {
		fmt.Fprintf(w, " = %s", s.ValueString())
		if s.Units != "" {
			fmt.Fprintf(w, " %s", s.Units)
		}
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, " [%g..%g]", s.Min, s.Max)
	if s.Units != "" {
		fmt.Fprintf(w, " %s", s.Units)
	}
	fmt.Fprintln(w)
	if len(s.Values) > 0 {
		names := make([]string, 0, len(s.Values))
		for name := range s.Values {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return s.Values[names[i]] < s.Values[names[j]] })
		for _, name := range names {
			fmt.Fprintf(w, "        %d = %s\n", s.Values[name], name)
		}
	}
}

func printError(w io.Writer, err error) {
	errorColor.Fprintf(w, "Error: %v\n", err)
}

var helpText = []string{
	"Valid commands:",
	"",
	" - Bus Manipulation ------------------------------------------------------------",
	"  restart",
	"     - Reconnects to the CAN bus.",
	"",
	"  init [node]",
	"     - Without [node], sends the init profile or every database periodic. With",
	"       [node], starts all periodics except those transmitted by [node].",
	"",
	"  send signal [-f] <signal> <value>",
	"     - Sends the message containing <signal> with the signal set to <value>.",
	"       -f sends a value outside the database range.",
	"",
	"  send message <msgID> [data]",
	"     - Sends a message by hex id or name. Short data is zero filled on the left.",
	"",
	"  send diag <txMsgID> [data] <rxMsgID> [rxData] [timeout ms]",
	"     - Sends a diagnostic frame and waits for the response on <rxMsgID>.",
	"",
	"  send lastfound <signal|message> <value>",
	"     - Sends the last found signal or message with <value>.",
	"",
	"  waitfor <time> <msgID> [data]",
	"     - Waits <time> ms for <msgID> with [data]. '*' matches any nibble.",
	"",
	"  kill <signal|msgID>",
	"     - Stops sending a periodic message.",
	"",
	"  killnode <node>",
	"     - Stops all periodic messages sent from <node>.",
	"",
	"  killall",
	"     - Stops all periodic messages.",
	"",
	" - Diagnostics -----------------------------------------------------------------",
	"  uds connect <txMsgID> <rxMsgID> [padding]",
	"  uds raw <data> | session <n> | reset <type> | read <did> | write <did> <data>",
	"  uds dtc [mask] | cleardtc [group] | unlock <level> <secret>",
	"  uds routine <start|stop|result> <rid> [data] | comm <on|off>",
	"  uds dtcsetting <on|off> | tester <on|off> [ms] | download <file.hex>",
	"  uds disconnect",
	"",
	" - Database & Bus Information --------------------------------------------------",
	"  config",
	"     - Prints the hardware configuration.",
	"",
	"  find <node|message|signal> <string>",
	"     - Prints everything with <string> in its name.",
	"",
	"  periodics [info] [filter]",
	"     - Prints the periodic messages being sent, with signal values for info.",
	"",
	"  log <start|stop> [file]",
	"     - Controls ASC logging to [file].",
	"",
	" - Other -----------------------------------------------------------------------",
	"  exit | ctrl+c | q     - Exit the app",
	"  h | help              - Display this message",
}

func printHelp(w io.Writer) {
	helpColor.Fprintln(w, strings.Join(helpText, "\n"))
}
