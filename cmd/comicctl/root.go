package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"comicgen/internal/client"
)

type commandContext struct {
	server string
	userID string
	token  string
	locale string
	asJSON bool
}

func (c *commandContext) client() (*client.Client, error) {
	return client.New(client.Options{
		BaseURL: c.server,
		UserID:  strings.TrimSpace(c.userID),
		Token:   strings.TrimSpace(c.token),
		Locale:  c.locale,
	})
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "comicctl",
		Short:         "Command line client for the comic generator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.server, "server", envOr("COMICCTL_SERVER", "http://localhost:8080"), "API base URL")
	flags.StringVar(&ctx.userID, "user", os.Getenv("COMICCTL_USER"), "User ID sent as X-User-ID")
	flags.StringVar(&ctx.token, "token", os.Getenv("COMICCTL_TOKEN"), "Bearer token, overrides --user")
	flags.StringVar(&ctx.locale, "locale", "", "Preferred story language")
	flags.BoolVar(&ctx.asJSON, "json", false, "Print raw JSON")

	rootCmd.AddCommand(
		newCreateCommand(ctx),
		newGetCommand(ctx),
		newListCommand(ctx),
		newExtendCommand(ctx),
		newReloadCommand(ctx),
		newWatchCommand(ctx),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
