package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/btmux/internal/client"
	"github.com/danmuck/btmux/internal/protocol/frame"
)

var (
	waitReply bool
	listenMax int
)

var sendCmd = &cobra.Command{
	Use:   "send <type> <channel> [body-hex]",
	Short: "Send one frame to the daemon",
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
		var body []byte
		if len(args) == 3 {
			if body, err = hex.DecodeString(args[2]); err != nil {
				return fmt.Errorf("body: %w", err)
			}
		}

		c, timeout, err := dialDaemon(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Send(typ, ch, body); err != nil {
			return err
		}
		if !waitReply {
			return nil
		}
		f, err := c.RecvTimeout(timeout)
		if err != nil {
			return err
		}
		printFrame(cmd.OutOrStdout(), f)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print every event the daemon broadcasts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := dialDaemon(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		for n := 0; listenMax == 0 || n < listenMax; n++ {
			f, err := c.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			printFrame(cmd.OutOrStdout(), f)
		}
		return nil
	},
}

func dialDaemon(cmd *cobra.Command) (*client.Client, time.Duration, error) {
	cfg, err := resolveProfile(cmd)
	if err != nil {
		return nil, 0, err
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, 0, err
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	c, err := client.Dial(ctx, cfg.Network, cfg.Address, cfg.Limits())
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s %s: %w", cfg.Network, cfg.Address, err)
	}
	return c, timeout, nil
}

func printFrame(w io.Writer, f frame.Frame) {
	fmt.Fprintf(w, "type=0x%04x channel=0x%04x len=%d body=%s\n",
		f.Header.MessageType, f.Header.ChannelID, len(f.Body), hex.EncodeToString(f.Body))
}

// parseUint16 accepts decimal or 0x-prefixed hex.
func parseUint16(raw string) (uint16, error) {
	v, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func init() {
	sendCmd.Flags().BoolVar(&waitReply, "wait", false, "wait for and print the next event")
	listenCmd.Flags().IntVar(&listenMax, "count", 0, "stop after this many events (0 runs until EOF)")
	rootCmd.AddCommand(sendCmd, listenCmd)
}
