package storage

import (
	"fmt"
	"io"
)

// Terminal is for displaying fetch records on terminal.
type Terminal struct {
	out io.Writer
}

// TerminalTimestamp is used as a format to display only the time.
const TerminalTimestamp = "15:04:05.999"

// InitTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing where a buffer or file is set as output terminal.
func InitTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// CommitFetches batch outputs fetch records to terminal.
func (t *Terminal) CommitFetches(data []FetchRecord) {
	for _, rec := range data {
		status := "ok"
		if rec.Error != "" {
			status = rec.Error
		}
		fmt.Fprintf(t.out, "%-10s%-12s%-10s%-6s%-9s%6d%8dms  %-24s%s\n",
			"Fetch", rec.Venue, rec.Symbol, rec.Timeframe, rec.Source, rec.Bars, rec.LatencyMs, status,
			rec.Timestamp.Local().Format(TerminalTimestamp))
	}
}
