package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stressd/internal/anxiety"
	"stressd/internal/intervention"
	"stressd/internal/store"
)

var (
	historyLimit int
	statsJSON    bool
	exportOut    string
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C89A3A"))
	cardStyle  = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
	cardTitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	cardValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
)

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Path == "" {
		return nil, fmt.Errorf("no database configured (storage.path is empty)")
	}
	return store.Open(cfg.Storage.Path)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show history totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if statsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			var last *store.SessionRecord
			sessions, err := db.ListSessions(cmd.Context(), 1)
			if err != nil {
				return err
			}
			if len(sessions) > 0 {
				last = &sessions[0]
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderStats(st, last, time.Now()))
			return err
		},
	}
	cmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
	return cmd
}

func renderStats(st *store.Stats, last *store.SessionRecord, now time.Time) string {
	card := func(title, value string) string {
		return cardStyle.Render(cardTitleStyle.Render(title) + "\n" + cardValueStyle.Render(value))
	}

	accepted := "-"
	if st.Interventions > 0 {
		accepted = fmt.Sprintf("%.0f%%", 100*float64(st.Accepted)/float64(st.Interventions))
	}
	rating := "-"
	if st.FeedbackCount > 0 {
		rating = fmt.Sprintf("%.1f / 5", st.AverageRating)
	}

	row1 := lipgloss.JoinHorizontal(lipgloss.Top,
		card("Sessions", humanize.Comma(int64(st.Sessions))),
		card("Keystrokes", humanize.Comma(int64(st.Keystrokes))),
		card("Failed builds", humanize.Comma(int64(st.FailedCompiles))),
	)
	row2 := lipgloss.JoinHorizontal(lipgloss.Top,
		card("Interventions", humanize.Comma(int64(st.Interventions))),
		card("Accepted", accepted),
		card("Avg relief", fmt.Sprintf("%.1f", st.AverageRelief)),
		card("Avg rating", rating),
	)

	var levels []string
	for _, l := range anxiety.Levels() {
		levels = append(levels, fmt.Sprintf("%s %d", l, st.ByLevel[l]))
	}

	lines := []string{
		titleStyle.Render("stressd history"),
		row1,
		row2,
		mutedStyle.Render("By level: " + strings.Join(levels, "  ")),
	}
	if last != nil {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("Last session %s, %s keystrokes at %.0f WPM",
			humanize.RelTime(last.End, now, "ago", "from now"),
			humanize.Comma(int64(last.TotalKeystrokes)),
			last.WPM,
		)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.ListSessions(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of rows (0 for all)")
	return cmd
}

func writeSessions(w io.Writer, sessions []store.SessionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tKEYS\tBACKSPACES\tBUILDS\tFAILED\tWPM\tEXPORT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.0f\t%s\n",
			s.Start.Local().Format("2006-01-02 15:04"),
			s.End.Sub(s.Start).Round(time.Second),
			humanize.Comma(int64(s.TotalKeystrokes)),
			s.TotalBackspaces,
			s.TotalCompiles,
			s.FailedCompiles,
			s.WPM,
			s.ExportPath,
		)
	}
	return tw.Flush()
}

func newInterventionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interventions",
		Short: "List recorded interventions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ivs, err := db.ListInterventions(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tLEVEL\tTYPE\tCONFIDENCE\tRESPONSE\tRELIEF\tID")
			for _, iv := range ivs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\t%s\n",
					humanize.Time(iv.Timestamp),
					iv.Level,
					iv.Type,
					iv.Confidence*100,
					response(iv),
					relief(iv.ReliefScore),
					iv.ID,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of rows (0 for all)")
	return cmd
}

func response(iv store.InterventionRecord) string {
	switch {
	case iv.ResponseTime.IsZero():
		return "pending"
	case iv.Accepted:
		return "accepted"
	default:
		return "dismissed"
	}
}

func relief(score int) string {
	if score == intervention.NoRelief {
		return "-"
	}
	return fmt.Sprintf("%d/10", score)
}

// historyDump is the export document.
type historyDump struct {
	ExportedAt    time.Time                  `json:"exported_at"`
	Stats         *store.Stats               `json:"stats"`
	Sessions      []store.SessionRecord      `json:"sessions"`
	Interventions []store.InterventionRecord `json:"interventions"`
	Feedback      []intervention.Feedback    `json:"feedback"`
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the whole history as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			dump := historyDump{ExportedAt: time.Now().UTC()}
			if dump.Stats, err = db.Stats(ctx); err != nil {
				return err
			}
			if dump.Sessions, err = db.ListSessions(ctx, 0); err != nil {
				return err
			}
			if dump.Interventions, err = db.ListInterventions(ctx, 0); err != nil {
				return err
			}
			if dump.Feedback, err = db.ListFeedback(ctx); err != nil {
				return err
			}

			data, err := json.MarshalIndent(dump, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if exportOut == "" || exportOut == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := writeFileAtomic(exportOut, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d sessions and %d interventions to %s\n",
				len(dump.Sessions), len(dump.Interventions), exportOut)
			return nil
		},
	}
	cmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func newBaselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect or clear the typing baseline",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			d, ok, err := db.LoadBaseline(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				_, err = fmt.Fprintln(out, "No baseline yet. Finish a monitored session to record one.")
				return err
			}
			fmt.Fprintf(out, "Sessions:    %d\n", d.Sessions)
			fmt.Fprintf(out, "Reference:   %s, %s\n", d.Duration().Round(time.Second), d.SessionStart.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Keystrokes:  %s (%d backspaces)\n", humanize.Comma(int64(d.TotalKeystrokes)), d.TotalBackspaces)
			fmt.Fprintf(out, "Builds:      %d (%d failed)\n", d.TotalCompiles, d.FailedCompiles)
			_, err = fmt.Fprintf(out, "Typing rate: %.1f WPM\n", d.WPM())
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Forget the baseline; the next session becomes the new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.ClearBaseline(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Baseline cleared.")
			return err
		},
	})
	return cmd
}
