package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/boardsync/internal/auth"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing secrets and keys",
	Long:  `Commands for generating the JWT secret, API keys and user access tokens.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a JWT secret with anon and service_role API keys",
	Long: `Generates anon and service_role API keys. Without --prompt and without
BOARDSYNC_JWT_SECRET set, a fresh secret is generated and printed too.

Examples:
  # New deployment
  boardsync keys generate > .env

  # Re-issue keys for an existing secret
  boardsync keys generate --prompt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetBool("prompt")

		jwtSecret := os.Getenv(envPrefix + "JWT_SECRET")
		if prompt {
			s, err := promptSecret("JWT secret: ")
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			jwtSecret = s
		}
		if jwtSecret == "" {
			s, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			jwtSecret = s
		}

		secretKeyBase, err := auth.GenerateSecret()
		if err != nil {
			return err
		}

		service := auth.NewService(nil, jwtSecret)
		anonKey, err := service.GenerateAPIKey(auth.APIKeyAnon)
		if err != nil {
			return fmt.Errorf("failed to generate anon key: %w", err)
		}
		serviceKey, err := service.GenerateAPIKey(auth.APIKeyServiceRole)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		fmt.Printf("%sJWT_SECRET=%s\n", envPrefix, jwtSecret)
		fmt.Printf("%sANON_KEY=%s\n", envPrefix, anonKey)
		fmt.Printf("%sSERVICE_ROLE_KEY=%s\n", envPrefix, serviceKey)
		fmt.Printf("%sSECRET_KEY_BASE=%s\n", envPrefix, secretKeyBase)
		return nil
	},
}

var keysTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a user access token",
	Long:  `Signs an access token for a user with BOARDSYNC_JWT_SECRET, for use with 'boardsync watch' or testing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		jwtSecret := os.Getenv(envPrefix + "JWT_SECRET")
		if jwtSecret == "" {
			return fmt.Errorf("%sJWT_SECRET is not set", envPrefix)
		}

		token, err := auth.NewService(nil, jwtSecret).GenerateAccessToken(userID, email, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

// stdinReader is reused for non-terminal input to avoid losing buffered data
var stdinReader *bufio.Reader

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}

	// Piped input
	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	secret, err := stdinReader.ReadString('\n')
	if err != nil && secret == "" {
		return "", err
	}
	return strings.TrimSpace(secret), nil
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysTokenCmd)

	keysGenerateCmd.Flags().Bool("prompt", false, "Read the JWT secret from the terminal instead of generating one")

	keysTokenCmd.Flags().String("user", "", "User id (sub claim)")
	keysTokenCmd.Flags().String("email", "", "User email claim")
	keysTokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}
