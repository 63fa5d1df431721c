package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kirobox/kirobox/internal/typ"
	"github.com/kirobox/kirobox/internal/util"
)

// CredentialCommand groups the upstream credential subcommands.
func CredentialCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage upstream credentials",
		Long: `Manage the upstream refresh-token credentials the gateway serves
requests with. Refresh tokens are encrypted at rest.`,
	}

	cmd.AddCommand(credentialAddCommand(app))
	cmd.AddCommand(credentialListCommand(app))
	cmd.AddCommand(credentialRemoveCommand(app))
	return cmd
}

func credentialAddCommand(app *App) *cobra.Command {
	var (
		authType     string
		clientID     string
		clientSecret string
		region       string
		userID       string
		private      bool
		opus         bool
	)

	cmd := &cobra.Command{
		Use:   "add [refresh-token]",
		Short: "Add an upstream credential",
		Long: `Add an upstream credential by pasting its refresh token.
Social-login credentials need only the token; IDC credentials also carry
a client id and client secret:

  kirobox credential add <refresh-token>
  kirobox credential add <refresh-token> --auth-type idc --client-id <id> --client-secret <secret>

Run without arguments for interactive mode. New credentials join the public
pool unless --private is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.Settings()
			if err != nil {
				return err
			}
			reader := bufio.NewReader(os.Stdin)

			var refreshToken string
			if len(args) > 0 {
				refreshToken = args[0]
			}
			if refreshToken == "" {
				refreshToken, err = promptForInput(reader, "Paste the refresh token: ", true)
				if err != nil {
					return err
				}
			}

			switch typ.AuthType(authType) {
			case typ.AuthTypeSocial:
			case typ.AuthTypeIDC:
				if clientID == "" {
					clientID, err = promptForInput(reader, "Enter client id: ", true)
					if err != nil {
						return err
					}
				}
				if clientSecret == "" {
					clientSecret, err = promptForInput(reader, "Enter client secret: ", true)
					if err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("invalid auth type '%s'. Supported values: social, idc", authType)
			}

			if region == "" {
				region = settings.GetRegion()
			}
			visibility := typ.VisibilityPublic
			if private {
				visibility = typ.VisibilityPrivate
			}

			cred := &typ.Credential{
				UserID:       userID,
				RefreshToken: refreshToken,
				AuthType:     typ.AuthType(authType),
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Region:       region,
				Visibility:   visibility,
				Status:       typ.StatusActive,
				OpusEnabled:  opus,
			}

			fmt.Println("\n--- Credential Summary ---")
			fmt.Printf("Refresh Token: %s\n", util.MaskToken(refreshToken))
			fmt.Printf("Auth Type: %s\n", cred.AuthType)
			fmt.Printf("Region: %s\n", cred.Region)
			fmt.Printf("Visibility: %s\n", cred.Visibility)
			fmt.Printf("Premium Capable: %v\n", cred.OpusEnabled)
			if userID != "" {
				fmt.Printf("Owner: %s\n", userID)
			}
			fmt.Println("--------------------------")

			confirmed, err := promptForConfirmation(reader, "Save this credential? (Y/n): ")
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Operation cancelled.")
				return nil
			}

			store, err := app.openCredentialStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Save(cred); err != nil {
				return fmt.Errorf("failed to save credential: %w", err)
			}
			fmt.Printf("Saved credential %d (%s)\n", cred.ID, util.MaskToken(refreshToken))
			return nil
		},
	}

	cmd.Flags().StringVar(&authType, "auth-type", "social", "Auth flow: social or idc")
	cmd.Flags().StringVar(&clientID, "client-id", "", "IDC client id")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "IDC client secret")
	cmd.Flags().StringVar(&region, "region", "", "Upstream region (default: from config)")
	cmd.Flags().StringVar(&userID, "user", "", "Bind the credential to a user id")
	cmd.Flags().BoolVar(&private, "private", false, "Keep the credential out of the public pool")
	cmd.Flags().BoolVar(&opus, "opus", false, "Mark the credential as able to serve premium models")

	return cmd
}

func credentialListCommand(app *App) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Long:  `Display stored credentials with masked refresh tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.openCredentialStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var creds []*typ.Credential
			if userID != "" {
				creds, err = store.ListByUser(userID)
			} else {
				creds, err = store.List()
			}
			if err != nil {
				return err
			}

			if len(creds) == 0 {
				fmt.Println("No credentials stored. Use 'kirobox credential add' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOKEN\tTYPE\tREGION\tVISIBILITY\tSTATUS\tPREMIUM\tUSES\tOWNER")
			fmt.Fprintln(w, "--\t-----\t----\t------\t----------\t------\t-------\t----\t-----")
			for _, c := range creds {
				premium := "No"
				if c.OpusEnabled {
					premium = "Yes"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					c.ID, util.MaskToken(c.RefreshToken), c.AuthType, c.Region,
					c.Visibility, c.Status, premium, c.SuccessCount, c.FailCount, c.UserID)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Only list credentials owned by this user id")
	return cmd
}

func credentialRemoveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a credential by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			store, err := app.openCredentialStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(id); err != nil {
				return fmt.Errorf("failed to remove credential: %w", err)
			}
			fmt.Printf("Removed credential %d\n", id)
			return nil
		},
	}
}

// parseID parses a positional record id argument.
func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id '%s'", arg)
	}
	return uint(id), nil
}

// promptForInput prompts the user for input and returns the trimmed response
func promptForInput(reader *bufio.Reader, prompt string, required bool) (string, error) {
	for {
		fmt.Print(prompt)
		input, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}

		input = strings.TrimSpace(input)

		if required && input == "" {
			fmt.Println("This field is required. Please enter a value.")
			continue
		}

		return input, nil
	}
}

// promptForConfirmation prompts the user for a yes/no confirmation
func promptForConfirmation(reader *bufio.Reader, prompt string) (bool, error) {
	fmt.Print(prompt)
	input, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read input: %w", err)
	}

	input = strings.ToLower(strings.TrimSpace(input))
	// Default to Yes if user just presses Enter
	return input == "" || input == "y" || input == "yes", nil
}
