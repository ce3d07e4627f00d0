package main

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/partypush/internal/agent"
)

func simulateCommand(a *app) *cobra.Command {
	var (
		origin    string
		windows   []string
		clickLast bool
	)

	cmd := &cobra.Command{
		Use:         "simulate",
		Short:       "Render push payloads the way a player's device would",
		Annotations: map[string]string{"config": "none"},
		Long: `Read push payloads from stdin, one per line, and run them through the
notification worker: install, activation, rendering and tag replacement.
The resulting tray is printed at the end.

Examples:
  echo '{"title":"Cake!","body":"In 5 minutes","tag":"cake"}' | partypush simulate
  cat payloads.txt | partypush simulate --window http://localhost:8080/lobby --click-last`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd.Context())
			out := cmd.OutOrStdout()
			tray := agent.NewTray()
			ws := agent.NewWindowSet(windows...)

			ag, err := agent.New(origin, tray, ws, agent.DefaultDefaults(), a.logger)
			if err != nil {
				return err
			}
			if err := ag.Install(); err != nil {
				return err
			}
			if err := ag.HandleMessage(ctx, agent.Message{Type: agent.MessageSkipWaiting}); err != nil {
				return err
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				data := append([]byte(nil), line...)
				if err := ag.HandlePush(ctx, data).Wait(); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read payloads: %w", err)
			}

			visible := tray.Visible()
			if clickLast && len(visible) > 0 {
				if err := ag.HandleClick(ctx, visible[len(visible)-1].ID).Wait(); err != nil {
					return err
				}
				fmt.Fprintf(out, "Clicked #%d; focused window %s of %d\n", visible[len(visible)-1].ID, ws.Focused(), ws.Len())
				visible = tray.Visible()
			}

			for _, e := range visible {
				fmt.Fprintf(out, "#%d [%s] %s: %s", e.ID, e.State, e.Notification.Title, e.Notification.Body)
				if e.Notification.Tag != "" {
					fmt.Fprintf(out, " (tag %s)", e.Notification.Tag)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "http://localhost:8080", "Origin the app is served from")
	cmd.Flags().StringArrayVar(&windows, "window", nil, "URL of an already open app window (repeatable)")
	cmd.Flags().BoolVar(&clickLast, "click-last", false, "Click the most recent notification after rendering")
	return cmd
}
