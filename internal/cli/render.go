package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/leaserun/internal/cache"
	"github.com/rshade/leaserun/internal/lease"
)

const boxWidth = 44

// row is one label/value line of a rendered table.
type row struct {
	label string
	value string
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(boxWidth)
)

// renderRunSummary writes the outcome of a run. styled selects the boxed
// terminal layout; otherwise plain aligned text is written.
func renderRunSummary(w io.Writer, s runSummary, styled bool) error {
	p := message.NewPrinter(language.English)
	rate := "n/a"
	if secs := s.Elapsed.Seconds(); secs > 0 && s.Processed > 0 {
		rate = p.Sprintf("%.1f jobs/s", float64(s.Processed)/secs)
	}
	rows := []row{
		{"Workers", p.Sprintf("%d", s.Workers)},
		{"Leased", p.Sprintf("%d", s.Staked)},
		{"Processed", p.Sprintf("%d", s.Processed)},
		{"Completed", p.Sprintf("%d", s.Completed)},
		{"Failed", p.Sprintf("%d", s.Failed)},
		{"Elapsed", cache.FormatDuration(s.Elapsed)},
		{"Rate", rate},
	}
	if s.Recovered > 0 {
		rows = append(rows, row{"Panics recovered", p.Sprintf("%d", s.Recovered)})
	}
	return renderTable(w, "RUN SUMMARY", rows, styled, func(r row) bool {
		return (r.label == "Failed" && s.Failed > 0) || r.label == "Panics recovered"
	})
}

// renderStats writes queue counts followed by any extra rows.
func renderStats(w io.Writer, title string, st lease.Stats, extra []row, styled bool) error {
	p := message.NewPrinter(language.English)
	rows := []row{
		{"Pending", p.Sprintf("%d", st.Pending)},
		{"Leased", p.Sprintf("%d", st.Leased)},
		{"Done", p.Sprintf("%d", st.Done)},
		{"Failed", p.Sprintf("%d", st.Failed)},
		{"Outstanding leases", p.Sprintf("%d", st.OutstandingLeases)},
	}
	rows = append(rows, extra...)
	return renderTable(w, title, rows, styled, func(r row) bool {
		return r.label == "Failed" && st.Failed > 0
	})
}

func renderTable(w io.Writer, title string, rows []row, styled bool, alert func(row) bool) error {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.label))
	}

	if !styled {
		if _, err := fmt.Fprintf(w, "%s\n%s\n", title, strings.Repeat("=", len(title))); err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := fmt.Fprintf(w, "%-*s %s\n", width+1, r.label+":", r.value); err != nil {
				return err
			}
		}
		return nil
	}

	var content strings.Builder
	content.WriteString(titleStyle.Render(title))
	for _, r := range rows {
		value := r.value
		if alert(r) {
			value = failedStyle.Render(value)
		}
		content.WriteString("\n")
		content.WriteString(labelStyle.Render(fmt.Sprintf("%-*s", width+1, r.label+":")))
		content.WriteString(" ")
		content.WriteString(value)
	}
	_, err := fmt.Fprintln(w, borderStyle.Render(content.String()))
	return err
}
