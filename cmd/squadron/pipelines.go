package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Inspect and control pipeline runs via the Dashboard API",
}

var pipelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pipeline definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printAPIResponse(cmd, http.MethodGet, "/pipelines", nil)
	},
}

var pipelinesRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		pipelineName, _ := cmd.Flags().GetString("pipeline")
		path := "/pipelines/runs"
		params := url{}
		params.add("status", status)
		params.add("pipeline_name", pipelineName)
		if q := params.encode(); q != "" {
			path += "?" + q
		}
		return printAPIResponse(cmd, http.MethodGet, path, nil)
	},
}

var pipelinesRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Show full detail for a pipeline run, including stage runs and children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAPIResponse(cmd, http.MethodGet, "/pipelines/runs/"+args[0], nil)
	},
}

var pipelinesCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAPIResponse(cmd, http.MethodPost, "/pipelines/runs/"+args[0]+"/cancel", nil)
	},
}

func init() {
	pipelinesRunsCmd.Flags().String("status", "", "filter by run status")
	pipelinesRunsCmd.Flags().String("pipeline", "", "filter by pipeline name")

	pipelinesCmd.AddCommand(pipelinesListCmd, pipelinesRunsCmd, pipelinesRunCmd, pipelinesCancelCmd)
}

// printAPIResponse issues an HTTP request against the Dashboard API and
// pretty-prints the JSON response body, the same shape every `pipelines`
// subcommand needs.
func printAPIResponse(cmd *cobra.Command, method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(flagAPIBaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if flagAPIToken != "" {
		req.Header.Set("Authorization", "Bearer "+flagAPIToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call dashboard API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("dashboard API returned %s", resp.Status)
	}
	return nil
}

// url is a tiny query-string builder, avoiding a net/url.Values import for
// two optional parameters.
type url struct {
	parts []string
}

func (u *url) add(key, value string) {
	if value == "" {
		return
	}
	u.parts = append(u.parts, key+"="+value)
}

func (u *url) encode() string {
	return strings.Join(u.parts, "&")
}
