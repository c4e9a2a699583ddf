package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"threadlink/api/internal/auth"
)

func newHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the ADMIN_TOKEN_HASH value for an admin token",
		Long: `Print the bcrypt hash to put in ADMIN_TOKEN_HASH. The token is read from
the first argument, or from the first line of stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		// Needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			hash, err := auth.HashAdminToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
