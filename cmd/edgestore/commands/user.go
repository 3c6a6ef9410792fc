package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edgecloud/edgestore/internal/bytesize"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage storage accounts",
}

var (
	userEmail string
	userQuota string
	userAdmin bool
)

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a storage account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, cfgFile)
		if err != nil {
			return err
		}
		defer a.Close()

		quota, err := bytesize.Parse(userQuota)
		if err != nil {
			return fmt.Errorf("invalid quota %q: %w", userQuota, err)
		}

		user := &metadata.User{
			Username:     args[0],
			IsAdmin:      userAdmin,
			StorageQuota: quota.Int64(),
		}
		if userEmail != "" {
			user.Email = &userEmail
		}
		if err := a.meta.CreateUser(ctx, user); err != nil {
			return err
		}
		fmt.Printf("created user %s (id: %s, quota: %s)\n", user.Username, user.ID, quota)
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show an account and its usage",
	Args:  cobra.ExactArgs(1),
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
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "id:\t%s\n", user.ID)
		fmt.Fprintf(w, "username:\t%s\n", user.Username)
		email := "-"
		if user.Email != nil {
			email = *user.Email
		}
		fmt.Fprintf(w, "email:\t%s\n", email)
		fmt.Fprintf(w, "admin:\t%v\n", user.IsAdmin)
		fmt.Fprintf(w, "quota:\t%s\n", bytesize.ByteSize(user.StorageQuota))
		fmt.Fprintf(w, "used:\t%s\n", bytesize.ByteSize(user.StorageUsed))
		return w.Flush()
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "account email")
	userAddCmd.Flags().StringVar(&userQuota, "quota", "10GiB", "storage quota")
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant admin access")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userShowCmd)
}
