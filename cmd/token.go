// cmd/token.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/rtmux/internal/phx"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for a realtime backend",
	Long:  `Generates an HS256 access token from a shared JWT secret, for local testing against Supabase-compatible servers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		if role != "anon" && role != "service_role" {
			return fmt.Errorf("invalid role %q: want anon or service_role", role)
		}

		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("RTMUX_JWT_SECRET")
		}
		if secret == "" {
			var err error
			secret, err = promptSecret()
			if err != nil {
				return err
			}
		}
		if secret == "" {
			return fmt.Errorf("no JWT secret: pass --secret or set RTMUX_JWT_SECRET")
		}

		token, err := phx.SignToken(secret, role)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

// promptSecret reads the secret without echo when stdin is a terminal.
func promptSecret() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "JWT secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(secret), nil
}

func init() {
	tokenCmd.Flags().String("role", "anon", "token role: anon or service_role")
	tokenCmd.Flags().String("secret", "", "JWT signing secret")

	rootCmd.AddCommand(tokenCmd)
}
