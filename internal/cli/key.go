package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirobox/kirobox/internal/auth"
)

// KeyCommand mints a client API key.
func KeyCommand(app *App) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Generate a client API key (kirobox- format)",
		Long: `Generate an API key carrying a base64-encoded JWT behind the kirobox-
prefix. A key minted with --user routes that user's requests to their own
credentials and accounts; without it the key serves the public pool.
Clients send the key as 'Authorization: Bearer <key>' or 'x-api-key: <key>'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.Settings()
			if err != nil {
				return err
			}

			jwtManager := auth.NewJWTManager(settings.GetJWTSecret())
			apiKey, err := jwtManager.GenerateAPIKey(userID, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate API key: %w", err)
			}

			fmt.Println("Generated API Key:")
			fmt.Println(apiKey)
			fmt.Println()
			if userID != "" {
				fmt.Printf("Requests with this key run as user '%s'.\n", userID)
			} else {
				fmt.Println("Requests with this key draw from the public credential pool.")
			}
			fmt.Println("Usage in API requests:")
			fmt.Println("Authorization: Bearer", apiKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id the key authenticates as (default: anonymous)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultAPIKeyTTL, "Key lifetime")
	return cmd
}
