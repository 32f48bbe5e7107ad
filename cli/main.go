package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type Agent struct {
	AgentID     string    `json:"agent_id"`
	Hostname    string    `json:"hostname"`
	Address     string    `json:"address"`
	Status      string    `json:"status"`
	LastCheckin time.Time `json:"last_checkin"`
}

type Command struct {
	ID          uint       `json:"ID"`
	AgentID     string     `json:"AgentID"`
	Command     string     `json:"Command"`
	Description string     `json:"Description"`
	Status      string     `json:"Status"`
	CreatedAt   time.Time  `json:"CreatedAt"`
	CompletedAt *time.Time `json:"CompletedAt"`
}

type Session struct {
	ID          uint      `json:"ID"`
	AgentID     string    `json:"AgentID"`
	ForwardPort int       `json:"ForwardPort"`
	EdgePort    int       `json:"EdgePort"`
	ExpiresAt   time.Time `json:"ExpiresAt"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetctl - operator CLI for the fleet controller",
		Long:  "Manage agents, queued commands, relayed requests, and tunnel sessions",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8443", "Controller URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("FLEET_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		agentsCmd(),
		runCmd(),
		commandsCmd(),
		cancelCmd(),
		retryCmd(),
		relayCmd(),
		tunnelCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls"},
		Short:   "List enrolled agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []Agent
			if err := apiGet("/v1/agents", &agents); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tHOSTNAME\tADDRESS\tSTATUS\tLAST CHECKIN")
			for _, a := range agents {
				checkin := "never"
				if !a.LastCheckin.IsZero() {
					checkin = fmt.Sprintf("%s ago", time.Since(a.LastCheckin).Round(time.Second))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.AgentID, a.Hostname, a.Address, a.Status, checkin)
			}
			w.Flush()
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "run [agent-id] [command]",
		Short: "Queue a shell command for an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ID uint `json:"id"`
			}
			err := apiPost("/v1/commands", map[string]string{
				"agent_id":    args[0],
				"command":     args[1],
				"description": description,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("queued command %d for %s\n", resp.ID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Human description")
	return cmd
}

func commandsCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List queued commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/commands"
			if agentID != "" {
				path += "?agent_id=" + agentID
			}
			var commands []Command
			if err := apiGet(path, &commands); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tCREATED\tDESCRIPTION")
			for _, c := range commands {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					c.ID, c.AgentID, c.Status, c.CreatedAt.Format(time.RFC3339), c.Description)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Filter by agent id")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [command-id] [agent-id]",
		Short: "Cancel a pending or sent command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost(fmt.Sprintf("/v1/commands/%s/cancel", args[0]),
				map[string]string{"agent_id": args[1]}, nil)
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [command-id] [agent-id]",
		Short: "Requeue a finished command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost(fmt.Sprintf("/v1/commands/%s/retry", args[0]),
				map[string]string{"agent_id": args[1]}, nil)
		},
	}
}

func relayCmd() *cobra.Command {
	var method string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "relay [agent-id] [path]",
		Short: "Relay an HTTP call through the agent and wait for the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var created struct {
				CorrelationID string `json:"correlation_id"`
			}
			err := apiPost("/v1/requests", map[string]string{
				"agent_id": args[0],
				"method":   method,
				"path":     args[1],
			}, &created)
			if err != nil {
				return err
			}

			deadline := time.Now().Add(wait)
			for {
				var resolution struct {
					State          string `json:"state"`
					ResponseStatus int    `json:"response_status"`
					ResponseBody   string `json:"response_body"`
				}
				if err := apiGet("/v1/requests/resolve/"+created.CorrelationID, &resolution); err != nil {
					return err
				}
				switch resolution.State {
				case "completed":
					fmt.Printf("HTTP %d\n%s\n", resolution.ResponseStatus, resolution.ResponseBody)
					return nil
				case "failed":
					return fmt.Errorf("request failed on the agent side")
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out waiting for %s", created.CorrelationID)
				}
				time.Sleep(2 * time.Second)
			}
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "GET", "HTTP method")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 5*time.Minute, "How long to poll for the response")
	return cmd
}

func tunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Manage remote-access tunnel sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "open [agent-id]",
		Short: "Open a tunnel session to an agent's web UI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var session struct {
				ID          uint      `json:"id"`
				ForwardPort int       `json:"forward_port"`
				EdgePort    int       `json:"edge_port"`
				ExpiresAt   time.Time `json:"expires_at"`
			}
			if err := apiPost("/v1/tunnels", map[string]string{"agent_id": args[0]}, &session); err != nil {
				return err
			}
			fmt.Printf("session %d open: edge port %d (forward %d), expires %s\n",
				session.ID, session.EdgePort, session.ForwardPort, session.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active tunnel sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []Session
			if err := apiGet("/v1/tunnels", &sessions); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tFORWARD\tEDGE\tEXPIRES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
					s.ID, s.AgentID, s.ForwardPort, s.EdgePort, s.ExpiresAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close [session-id]",
		Short: "Close a tunnel session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiDelete("/v1/tunnels/" + args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Kill all tunnels and clear port/vhost state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Closed int `json:"closed"`
			}
			if err := apiPost("/v1/tunnels/reset", map[string]string{}, &resp); err != nil {
				return err
			}
			fmt.Printf("closed %d sessions\n", resp.Closed)
			return nil
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetctl version %s\n", Version)
		},
	}
}

func apiGet(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return apiDo(req, out)
}

func apiPost(path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return apiDo(req, out)
}

func apiDelete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, serverURL+path, nil)
	if err != nil {
		return err
	}
	return apiDo(req, nil)
}

func apiDo(req *http.Request, out interface{}) error {
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("controller returned status %d", resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
