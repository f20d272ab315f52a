package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

var (
	flagServer          string
	flagIncidentsOutput string
	flagStates          []string
	flagNamespace       string
	flagActive          bool
)

var incidentsCmd = &cobra.Command{
	Use:     "incidents",
	Aliases: []string{"inc"},
	Short:   "Query incidents from a running daemon",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if len(flagStates) > 0 {
			q.Set("state", strings.Join(flagStates, ","))
		}
		if flagNamespace != "" {
			q.Set("namespace", flagNamespace)
		}
		if flagActive {
			q.Set("active", "true")
		}
		var incidents []*domain.Incident
		if err := newAPIClient(flagServer).get(cmd.Context(), "/incidents", q, &incidents); err != nil {
			return err
		}
		switch flagIncidentsOutput {
		case "json":
			return printJSON(cmd.OutOrStdout(), incidents)
		case "yaml":
			return printYAML(cmd.OutOrStdout(), incidents)
		case "table", "":
			printIncidentTable(cmd.OutOrStdout(), incidents)
			return nil
		}
		return fmt.Errorf("unknown output format %q", flagIncidentsOutput)
	},
}

var incidentsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var inc domain.Incident
		if err := newAPIClient(flagServer).get(cmd.Context(), "/incidents/"+url.PathEscape(args[0]), nil, &inc); err != nil {
			return err
		}
		format := flagIncidentsOutput
		if format == "table" {
			format = "summary"
		}
		return printIncident(cmd.OutOrStdout(), format, &inc)
	},
}

var incidentsHistoryCmd = &cobra.Command{
	Use:   "history ID",
	Short: "Show the audit trail of one incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []domain.AuditEvent
		if err := newAPIClient(flagServer).get(cmd.Context(), "/incidents/"+url.PathEscape(args[0])+"/history", nil, &events); err != nil {
			return err
		}
		switch flagIncidentsOutput {
		case "json":
			return printJSON(cmd.OutOrStdout(), events)
		case "yaml":
			return printYAML(cmd.OutOrStdout(), events)
		case "table", "":
			printHistoryTable(cmd.OutOrStdout(), events)
			return nil
		}
		return fmt.Errorf("unknown output format %q", flagIncidentsOutput)
	},
}

func init() {
	incidentsCmd.PersistentFlags().StringVar(&flagServer, "server", "http://127.0.0.1:8080", "Base URL of the daemon's HTTP API")
	incidentsCmd.PersistentFlags().StringVarP(&flagIncidentsOutput, "output", "o", "table", "Output format: table, json, yaml")
	incidentsListCmd.Flags().StringSliceVar(&flagStates, "state", nil, "Only incidents in these states")
	incidentsListCmd.Flags().StringVarP(&flagNamespace, "namespace", "n", "", "Only incidents in this namespace")
	incidentsListCmd.Flags().BoolVar(&flagActive, "active", false, "Only incidents that are still in flight")

	incidentsCmd.AddCommand(incidentsListCmd, incidentsShowCmd, incidentsHistoryCmd)
	rootCmd.AddCommand(incidentsCmd)
}

// apiClient reads the daemon's {"data": ...} envelopes.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if envelope.Error != nil {
			return fmt.Errorf("%s: %s", resp.Status, envelope.Error.Message)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.Unmarshal(envelope.Data, out)
}
