package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	colorGreen  = lipgloss.Color("#4ade80")
	colorYellow = lipgloss.Color("#facc15")
	colorRed    = lipgloss.Color("#f87171")
	colorCyan   = lipgloss.Color("#22d3ee")
	colorWhite  = lipgloss.Color("#e5e7eb")
	colorGray   = lipgloss.Color("#6b7280")
	colorDim    = lipgloss.Color("#374151")
)

func kv(k, v string, vc lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(colorGray).Render(k+" ") +
		lipgloss.NewStyle().Foreground(vc).Render(v)
}

func divider(w int) string {
	return lipgloss.NewStyle().Foreground(colorDim).Render(strings.Repeat("─", w))
}

func dimText(s string) string {
	return lipgloss.NewStyle().Foreground(colorGray).Render(s)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func statusColor(status string, healthy bool) lipgloss.Color {
	switch {
	case status == "RUNNING" && healthy:
		return colorGreen
	case status == "RUNNING":
		return colorYellow
	case status == "PROVISIONING" || status == "STAGING":
		return colorYellow
	case status == "":
		return colorGray
	default:
		return colorRed
	}
}

func renderDashboard(m Model) string {
	w := m.Width
	if w <= 0 {
		w = 80
	}
	iw := w - 6
	if iw < 48 {
		iw = 48
	}

	var lines []string

	title := lipgloss.NewStyle().Bold(true).Foreground(colorCyan).Render("statefleet")
	fleetName := ""
	if m.HasData {
		fleetName = kv("fleet", m.Snapshot.Fleet, colorWhite)
	}
	lines = append(lines,
		title+"  "+fleetName,
		kv("project", m.Project, colorWhite)+"  "+kv("zone", m.Zone, colorWhite),
		divider(iw),
	)

	if !m.HasData {
		lines = append(lines, "  "+m.Spinner.View()+" waiting for first reconcile pass...")
		return frame(lines, w)
	}

	snap := m.Snapshot

	// Convergence summary row.
	conv := lipgloss.NewStyle().Foreground(colorYellow).Render("converging")
	if snap.Converged {
		conv = lipgloss.NewStyle().Foreground(colorGreen).Render("converged")
		if !snap.LastConverged.IsZero() {
			conv += dimText(" since " + snap.LastConverged.Format(time.Kitchen))
		}
	}
	rolling := ""
	if snap.RollingUpdate {
		rolling = "  " + lipgloss.NewStyle().Foreground(colorCyan).Render("rolling update")
	}
	lines = append(lines,
		kv("size", fmt.Sprintf("%d", snap.Size), colorWhite)+
			"  "+kv("template", orDash(snap.Version), colorWhite),
		conv+rolling+
			"  "+kv("surge", fmt.Sprintf("%d", snap.SurgeUsed), colorWhite)+
			"  "+kv("unavail", fmt.Sprintf("%d", snap.UnavailUsed), colorWhite),
		divider(iw),
	)

	// Slot table.
	header := fmt.Sprintf("  %-5s %-16s %-13s %-15s %-8s %s",
		"SLOT", "INSTANCE", "STATUS", "IP", "TEMPLATE", "")
	lines = append(lines, dimText(header))
	for i, s := range snap.Slots {
		cursor := "  "
		if i == m.Selected {
			cursor = lipgloss.NewStyle().Foreground(colorCyan).Render("> ")
		}
		tmpl := "stale"
		tmplColor := colorYellow
		if s.UpToDate {
			tmpl = "current"
			tmplColor = colorGreen
		}
		suffix := ""
		if s.InFlight {
			suffix = m.Spinner.View() + " working"
		} else if !s.Healthy && s.Status == "RUNNING" {
			suffix = lipgloss.NewStyle().Foreground(colorRed).Render("unhealthy")
		}
		row := fmt.Sprintf("%-5d %-16s %-13s %-15s %-8s %s",
			s.Slot,
			orDash(s.Instance),
			lipgloss.NewStyle().Foreground(statusColor(s.Status, s.Healthy)).Render(orDash(s.Status)),
			orDash(s.IP),
			lipgloss.NewStyle().Foreground(tmplColor).Render(tmpl),
			suffix,
		)
		lines = append(lines, cursor+row)
	}
	lines = append(lines, divider(iw))

	// Recent events.
	for _, e := range m.Events {
		lines = append(lines, dimText(e.Time.Format("15:04:05"))+" "+e.Msg)
	}
	if len(m.Events) > 0 {
		lines = append(lines, divider(iw))
	}

	// Log tail.
	tail := m.LogLines
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	for _, l := range tail {
		if len(l) > iw {
			l = l[:iw]
		}
		lines = append(lines, dimText(l))
	}

	if m.ErrorMessage != "" {
		lines = append(lines,
			lipgloss.NewStyle().Foreground(colorRed).Render("✗ "+m.ErrorMessage))
	}

	lines = append(lines, "",
		dimText("↑/↓ select slot · r recreate slot · u rolling update · l reload spec · q quit"))

	return frame(lines, w)
}

func frame(lines []string, width int) string {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorDim).
		Padding(1, 2).
		Width(width - 2)
	return box.Render(strings.Join(lines, "\n"))
}
