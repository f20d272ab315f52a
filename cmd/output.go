package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML round-trips through JSON so field names match the API.
func printYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printIncident(w io.Writer, format string, inc *domain.Incident) error {
	switch format {
	case "json":
		return printJSON(w, inc)
	case "yaml":
		return printYAML(w, inc)
	case "summary", "":
		printSummary(w, inc)
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

func printSummary(w io.Writer, inc *domain.Incident) {
	fmt.Fprintf(w, "Incident:   %s\n", inc.ID)
	fmt.Fprintf(w, "Resource:   %s\n", inc.Resource)
	fmt.Fprintf(w, "State:      %s\n", inc.State)
	if inc.Outcome != nil && inc.Outcome.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", inc.Outcome.Reason)
	}
	if d := inc.Diagnosis; d != nil {
		fmt.Fprintf(w, "Diagnosis:  %s (%s, severity %s, confidence %.2f)\n", d.RootCause, d.Provider, d.Severity, d.Confidence)
	}
	if f := inc.Fix; f != nil {
		fmt.Fprintf(w, "Fix:        %s (attempt %d)\n", f.Rationale, inc.FixAttempts)
		for _, a := range f.Actions {
			desc := a.Description
			if desc == "" {
				desc = string(a.Type)
			}
			fmt.Fprintf(w, "  - %s\n", desc)
		}
	}
	if v := inc.Verification; v != nil {
		fmt.Fprintf(w, "Verified:   %s in %s, %d/%d checks passed\n", v.Recommendation, v.EnvironmentID, v.ChecksPassed, v.ChecksRun)
		for _, c := range v.Checks {
			line := fmt.Sprintf("  %-14s %-12s", c.Status, c.Name)
			if c.Error != "" {
				line += " " + c.Error
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
	if ap := inc.Apply; ap != nil {
		fmt.Fprintf(w, "Applied:    %s\n", ap.Message)
	}
}

func printIncidentTable(w io.Writer, incidents []*domain.Incident) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESOURCE\tSTATE\tATTEMPTS\tAGE")
	for _, inc := range incidents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", inc.ID, inc.Resource, inc.State, inc.FixAttempts, age(inc.CreatedAt))
	}
	_ = tw.Flush()
}

func printHistoryTable(w io.Writer, events []domain.AuditEvent) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tFROM\tTO\tEVIDENCE\tREASON")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.From, ev.To, ev.EvidenceRef, ev.Reason)
	}
	_ = tw.Flush()
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
