package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var tokenAdmin bool

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Mint a bearer token for an account",
	Long: `Mint a signed bearer token for local use. Production tokens
come from the account service; this command exists for testing and
break-glass access.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, cfgFile)
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.meta.GetUserByUsername(ctx, args[0])
		if err != nil {
			return err
		}
		token, err := a.tokens.Mint(user.ID, tokenAdmin || user.IsAdmin)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "include the admin claim")
}
