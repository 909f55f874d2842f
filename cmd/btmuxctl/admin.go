package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/btmux/internal/config"
	"github.com/danmuck/btmux/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodGet, "/stats", nil)
	},
}

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List connected clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodGet, "/clients", nil)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Run one retry pass over parked clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/retry", nil)
	},
}

var kickCmd = &cobra.Command{
	Use:   "kick <client-id>",
	Short: "Disconnect one client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/clients/"+args[0]+"/close", nil)
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <type> <channel> [body-hex]",
	Short: "Inject an event to every live client",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := parseUint16(args[0])
		if err != nil {
			return fmt.Errorf("type: %w", err)
		}
		ch, err := parseUint16(args[1])
		if err != nil {
			return fmt.Errorf("channel: %w", err)
		}
		req := daemon.BroadcastRequest{Type: typ, Channel: ch}
		if len(args) == 3 {
			if _, err := hex.DecodeString(args[2]); err != nil {
				return fmt.Errorf("body: %w", err)
			}
			req.BodyHex = args[2]
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return adminCall(cmd, http.MethodPost, "/broadcast", payload)
	},
}

var profileInitCmd = &cobra.Command{
	Use:   "init-profile <path>",
	Short: "Write a btmuxctl profile template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(args[0], config.KindCtl, false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote btmuxctl profile to %s\n", args[0])
		return nil
	},
}

// adminCall sends one admin request and prints the indented JSON reply.
func adminCall(cmd *cobra.Command, method, path string, payload []byte) error {
	cfg, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, cfg.AdminURL(path), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)
	}

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd, clientsCmd, retryCmd, kickCmd, broadcastCmd, profileInitCmd)
}
