package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func (d *Dispatcher) configCmd(ownerID uint) *cobra.Command {
	cmd := group("config", "Configure an account")
	cmd.AddCommand(
		leaf("games <handle> <app_ids>", "Set the games to boost, e.g. 730,440", 2, 2, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			upd, err := d.accounts.SetResources(cmd.Context(), acct, args[1])
			if err != nil {
				return err
			}
			say(cmd, "Games for `%s` set to %s.", acct.Handle, joinIDs(upd.Resources))
			if len(upd.Duplicates) > 0 {
				say(cmd, "Ignored duplicates: %s.", joinIDs(upd.Duplicates))
			}
			say(cmd, "Start or restart the boost to apply changes.")
			return nil
		}),
		leaf("online <handle> <true|false>", "Appear online or invisible", 2, 2, func(cmd *cobra.Command, args []string) error {
			online, err := strconv.ParseBool(args[1])
			if err != nil {
				return replyf("Expected `true` or `false`, got `%s`.", args[1])
			}
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if err := d.accounts.SetPresence(cmd.Context(), acct, online); err != nil {
				return err
			}
			state := "invisible"
			if online {
				state = "online"
			}
			say(cmd, "`%s` will appear %s. Start or restart the boost to apply changes.", acct.Handle, state)
			return nil
		}),
		leaf("seed <handle> [shared_secret]", "Set or clear the authenticator shared secret", 1, 2, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			secret := ""
			if len(args) == 2 {
				secret = args[1]
			}
			if err := d.accounts.SetSharedSecret(cmd.Context(), acct, secret); err != nil {
				return err
			}
			if secret == "" {
				say(cmd, "Shared secret removed for `%s`.", acct.Handle)
			} else {
				say(cmd, "Shared secret set for `%s`.", acct.Handle)
			}
			return nil
		}),
	)
	return cmd
}

func joinIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("`%d`", id)
	}
	return strings.Join(parts, ", ")
}
