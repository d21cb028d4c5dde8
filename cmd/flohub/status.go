package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	var hubURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a hub is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(hubURL)
		},
	}

	cmd.Flags().StringVarP(&hubURL, "url", "u", "http://localhost:8787",
		"Base URL of the hub to check")

	return cmd
}

func runStatus(hubURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(hubURL + "/api/status")
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.OK {
		return fmt.Errorf("hub returned an unexpected response")
	}

	fmt.Printf("Hub at %s is up\n", hubURL)
	return nil
}
