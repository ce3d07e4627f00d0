package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/partypush/internal/push"
)

func vapidKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "vapid-keys",
		Short:       "Generate a VAPID key pair for the webpush provider",
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "PARTYPUSH_WEBPUSH_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(out, "PARTYPUSH_WEBPUSH_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}
