package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kirobox/kirobox/internal/typ"
	"github.com/kirobox/kirobox/internal/util"
)

// AccountCommand groups the external-account subcommands.
func AccountCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage external API accounts",
		Long: `Manage external OpenAI- or Anthropic-compatible accounts. Requests
from their owner can be delegated to these instead of the upstream. API keys
are encrypted at rest.`,
	}

	cmd.AddCommand(accountAddCommand(app))
	cmd.AddCommand(accountListCommand(app))
	cmd.AddCommand(accountRemoveCommand(app))
	cmd.AddCommand(accountSetDisabledCommand(app, "disable", true))
	cmd.AddCommand(accountSetDisabledCommand(app, "enable", false))
	return cmd
}

func accountAddCommand(app *App) *cobra.Command {
	var (
		userID string
		format string
		models string
		tag    string
	)

	cmd := &cobra.Command{
		Use:   "add [name] [api-base] [api-key]",
		Short: "Add an external API account",
		Long: `Add an external API account that the owner's requests can be
delegated to:

  kirobox account add backup https://api.example.com sk-mykey --user alice

Run with missing arguments for interactive mode. The wire format is guessed
from the name and URL unless --format is given.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)

			var name, apiBase, apiKey string
			if len(args) > 0 {
				name = args[0]
			}
			if len(args) > 1 {
				apiBase = args[1]
			}
			if len(args) > 2 {
				apiKey = args[2]
			}

			var err error
			if name == "" {
				name, err = promptForInput(reader, "Enter account name (e.g., backup): ", true)
				if err != nil {
					return err
				}
			}
			if apiBase == "" {
				apiBase, err = promptForInput(reader, "Enter API base URL (e.g., https://api.example.com): ", true)
				if err != nil {
					return err
				}
			}
			if apiKey == "" {
				apiKey, err = promptForInput(reader, "Enter API key: ", true)
				if err != nil {
					return err
				}
			}
			if userID == "" {
				userID, err = promptForInput(reader, "Enter owner user id: ", true)
				if err != nil {
					return err
				}
			}

			var accountFormat typ.AccountFormat
			if format != "" {
				switch strings.ToLower(format) {
				case string(typ.FormatOpenAI):
					accountFormat = typ.FormatOpenAI
				case string(typ.FormatAnthropic):
					accountFormat = typ.FormatAnthropic
				default:
					return fmt.Errorf("invalid format '%s'. Supported values: openai, anthropic", format)
				}
			} else {
				accountFormat, err = promptForFormat(reader, name, apiBase)
				if err != nil {
					return err
				}
			}

			account := &typ.ExternalAccount{
				UserID:         userID,
				Name:           name,
				APIBase:        apiBase,
				APIKey:         apiKey,
				Format:         accountFormat,
				ProviderTag:    tag,
				ModelWhitelist: models,
			}

			fmt.Println("\n--- Account Summary ---")
			fmt.Printf("Name: %s\n", name)
			fmt.Printf("Owner: %s\n", userID)
			fmt.Printf("API Base URL: %s\n", apiBase)
			fmt.Printf("API Key: %s\n", util.MaskToken(apiKey))
			fmt.Printf("Wire Format: %s\n", accountFormat)
			if models != "" {
				fmt.Printf("Model Whitelist: %s\n", models)
			}
			fmt.Println("-----------------------")

			confirmed, err := promptForConfirmation(reader, "Save this account? (Y/n): ")
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Operation cancelled.")
				return nil
			}

			store, err := app.openAccountStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Save(account); err != nil {
				return fmt.Errorf("failed to save account: %w", err)
			}
			fmt.Printf("Saved account '%s' (id %d) for user '%s'\n", name, account.ID, userID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owner user id (prompted when missing)")
	cmd.Flags().StringVar(&format, "format", "", "Wire format: openai or anthropic (default: guessed)")
	cmd.Flags().StringVar(&models, "models", "", "Comma-separated model whitelist")
	cmd.Flags().StringVar(&tag, "provider-tag", "", "Free-form provider label")

	return cmd
}

func accountListCommand(app *App) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List external API accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.openAccountStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var accounts []*typ.ExternalAccount
			if userID != "" {
				accounts, err = store.ListByUser(userID)
			} else {
				accounts, err = store.List()
			}
			if err != nil {
				return err
			}

			if len(accounts) == 0 {
				fmt.Println("No accounts stored. Use 'kirobox account add' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tOWNER\tAPI BASE\tFORMAT\tMODELS\tENABLED\tUSES")
			fmt.Fprintln(w, "--\t----\t-----\t--------\t------\t------\t-------\t----")
			for _, a := range accounts {
				enabled := "Yes"
				if a.Disabled {
					enabled = "No"
				}
				modelList := a.ModelWhitelist
				if modelList == "" {
					modelList = "(all)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
					a.ID, a.Name, a.UserID, a.APIBase, a.Format, modelList,
					enabled, a.SuccessCount, a.FailCount)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Only list accounts owned by this user id")
	return cmd
}

func accountRemoveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			store, err := app.openAccountStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(id); err != nil {
				return fmt.Errorf("failed to remove account: %w", err)
			}
			fmt.Printf("Removed account %d\n", id)
			return nil
		},
	}
}

// accountSetDisabledCommand builds the disable and enable subcommands, which
// differ only in the flag value they write.
func accountSetDisabledCommand(app *App, use string, disabled bool) *cobra.Command {
	short := "Enable a disabled account"
	if disabled {
		short = "Disable an account without removing it"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			store, err := app.openAccountStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetDisabled(id, disabled); err != nil {
				return fmt.Errorf("failed to %s account: %w", use, err)
			}
			fmt.Printf("Account %d %sd\n", id, use)
			return nil
		},
	}
}

// promptForFormat asks for the wire format, suggesting one from the account
// name and URL.
func promptForFormat(reader *bufio.Reader, name, apiBase string) (typ.AccountFormat, error) {
	suggested := typ.FormatOpenAI
	lowerName := strings.ToLower(name)
	lowerURL := strings.ToLower(apiBase)
	if strings.Contains(lowerName, "anthropic") || strings.Contains(lowerName, "claude") ||
		strings.Contains(lowerURL, "anthropic") || strings.Contains(lowerURL, "claude") {
		suggested = typ.FormatAnthropic
	}

	fmt.Printf("\nSelect wire format (default: %s):\n", suggested)
	fmt.Println("1. openai - For OpenAI-compatible APIs")
	fmt.Println("2. anthropic - For Anthropic-compatible APIs")
	fmt.Print("Enter choice (1-2) or press Enter for default: ")

	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	input = strings.TrimSpace(input)
	switch input {
	case "":
		return suggested, nil
	case "1", string(typ.FormatOpenAI):
		return typ.FormatOpenAI, nil
	case "2", string(typ.FormatAnthropic):
		return typ.FormatAnthropic, nil
	default:
		fmt.Printf("Invalid choice '%s', using default: %s\n", input, suggested)
		return suggested, nil
	}
}
