package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"posgate/internal/gateway"
)

var (
	statusAPIAddr string
	statusVerbose bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of a running daemon",
	Long:  `Query the admin API of a running posgate daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, source, err := loadConfiguration()
		if err != nil {
			cmd.Printf("⚠ Warning: Could not load configuration: %v\n", err)
			cmd.Printf("Using default settings\n\n")
			config = gateway.NewDefaultConfig()
			source = "defaults"
		}
		if statusAPIAddr != "" {
			config.Server.API.Address = statusAPIAddr
		}

		baseURL := apiBaseURL(config.Server.API.Address)
		client := &http.Client{Timeout: 5 * time.Second}

		statusResp, statusErr := makeHTTPRequest(client, baseURL+"/api/v1/gateway/status")
		healthResp, healthErr := makeHTTPRequest(client, baseURL+"/api/v1/health")

		if statusVerbose {
			result := map[string]interface{}{
				"online":    statusErr == nil && healthErr == nil,
				"config":    source,
				"api":       baseURL,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			if statusErr != nil {
				result["status_error"] = statusErr.Error()
			} else {
				result["status"] = statusResp
			}
			if healthErr != nil {
				result["health_error"] = healthErr.Error()
			} else {
				result["health"] = healthResp
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		}

		if statusErr != nil || healthErr != nil {
			cmd.Printf("posgate: ✗ OFFLINE\n")
			if statusErr != nil {
				cmd.Printf("Connection Error: %v\n", statusErr)
			}
			return nil
		}

		cmd.Printf("posgate: ✓ RUNNING\n")
		cmd.Printf("API Address: %s\n", baseURL)
		cmd.Printf("Configuration: %s\n", source)
		if uptime, ok := statusResp["uptime"].(string); ok {
			cmd.Printf("Uptime: %s\n", uptime)
		}
		if conns, ok := statusResp["connections"].(float64); ok {
			cmd.Printf("Connections: %.0f\n", conns)
		}
		if devices, ok := statusResp["devices"].(float64); ok {
			cmd.Printf("Registered Devices: %.0f\n", devices)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "api-addr", "", "admin API address (overrides config)")
	statusCmd.Flags().BoolVar(&statusVerbose, "json", false, "print the raw responses as JSON")
}

func apiBaseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/")
	}
	if strings.HasPrefix(address, ":") {
		return "http://localhost" + address
	}
	return "http://" + address
}

// makeHTTPRequest makes an HTTP GET request and returns the decoded body
func makeHTTPRequest(client *http.Client, url string) (map[string]interface{}, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return result, nil
}
