package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/scanner"
)

var validFormats = []string{"table", "json"}

func checkFormat(format string) error {
	if !slices.Contains(validFormats, format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, validFormats)
	}
	return nil
}

// printer writes command output. Colors and screen clearing are used only
// when the destination is a terminal.
type printer struct {
	w   io.Writer
	tty bool

	ok    *color.Color
	warn  *color.Color
	fail  *color.Color
	value *color.Color
	dim   *color.Color
}

func newPrinter(w io.Writer) *printer {
	p := &printer{
		w:     w,
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
		value: color.New(color.FgCyan, color.Bold),
		dim:   color.New(color.Faint),
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = true
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.fail, p.value, p.dim} {
		if p.tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) clearScreen() {
	if p.tty {
		fmt.Fprint(p.w, "\033[2J\033[H")
	}
}

func (p *printer) status(c *color.Color, format string, args ...any) {
	fmt.Fprintf(p.w, "[%s] %s\n", time.Now().Format(time.TimeOnly), c.Sprintf(format, args...))
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// profileInfo is the JSON shape of one profile row.
type profileInfo struct {
	Name           string    `json:"name"`
	Service        string    `json:"service"`
	Characteristic string    `json:"characteristic"`
	FrameLen       int       `json:"frame_len"`
	Defaults       []float64 `json:"defaults"`
	Example        string    `json:"example"`
}

func displayProfiles(w io.Writer, format string, defaults func(profile.Profile) []float64) error {
	rows := orderedmap.New[string, profileInfo]()
	for _, p := range profile.All() {
		info := profileInfo{
			Name:           p.DisplayName(),
			Service:        p.ServiceUUID(),
			Characteristic: p.CharacteristicUUID(),
			FrameLen:       codec.FrameLen(p),
			Defaults:       defaults(p),
		}
		if m, err := codec.FromValues(p, info.Defaults...); err == nil {
			info.Example = codec.Format(m)
		}
		rows.Set(p.String(), info)
	}

	if format == "json" {
		return writeJSON(w, rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tNAME\tSERVICE\tCHARACTERISTIC\tFRAME\tEXAMPLE")
	for pair := rows.Oldest(); pair != nil; pair = pair.Next() {
		info := pair.Value
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d bytes\t%s\n",
			pair.Key, info.Name, info.Service, info.Characteristic, info.FrameLen, info.Example)
	}
	return tw.Flush()
}

// displayResults renders ranked scan results. JSON output is an object keyed
// by address in rank order.
func displayResults(w io.Writer, results []scanner.Result, format string, now time.Time) error {
	if format == "json" {
		ranked := orderedmap.New[string, scanner.Result](orderedmap.WithCapacity[string, scanner.Result](len(results)))
		for _, r := range results {
			ranked.Set(r.Address, r)
		}
		return writeJSON(w, ranked)
	}

	if len(results) == 0 {
		fmt.Fprintln(w, "No health devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tPROFILES\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		profiles := make([]string, len(r.Profiles))
		for i, p := range r.Profiles {
			profiles[i] = p.String()
		}
		lastSeen := now.Sub(r.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, r.Address, r.RSSI, strings.Join(profiles, ","), lastSeen)
	}
	return tw.Flush()
}
