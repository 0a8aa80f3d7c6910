package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenScope   string
	tokenTTL     time.Duration
	tokenSave    bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage daemon access tokens",
	Long: `Tokens are JWTs signed with the daemon secret, which lives in the OS
keyring (or QMESH_API_SECRET). Host plugins send them as bearer tokens.

Examples:
  # Token for a plugin that starts runs
  qmesh token issue --subject blender --scope runs:write

  # Invalidate every issued token
  qmesh token rotate`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token for the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		addr := cfg.Serve.Addr
		secret, err := qsdk.LoadSecret(addr, true)
		if err != nil {
			return err
		}
		tok, err := qsdk.IssueToken(secret, tokenSubject, tokenScope, tokenTTL)
		if err != nil {
			return err
		}
		if tokenSave {
			if err := qsdk.SaveToken(addr, tok); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			fmt.Fprintf(os.Stderr, "✓ token saved to the keyring for %s\n", addr)
		}
		fmt.Println(tok)
		return nil
	},
}

var tokenRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the daemon secret, revoking every issued token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		if os.Getenv(qsdk.SecretEnv) != "" {
			fmt.Fprintf(os.Stderr, "%s is set and overrides the keyring secret\n", qsdk.SecretEnv)
		}
		if _, err := qsdk.RotateSecret(cfg.Serve.Addr); err != nil {
			return err
		}
		_ = qsdk.DeleteToken(cfg.Serve.Addr)
		fmt.Println("✓ secret rotated; restart the daemon and issue new tokens")
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "who the token is for")
	tokenIssueCmd.Flags().StringVar(&tokenScope, "scope", qsdk.ScopeWrite, "runs:read, or runs:write which includes read")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	tokenIssueCmd.Flags().BoolVar(&tokenSave, "save", false, "store the token in the OS keyring")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRotateCmd)
	rootCmd.AddCommand(tokenCmd)
}
