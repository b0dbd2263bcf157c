package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/session"
)

func (d *Dispatcher) boostCmd(ownerID uint) *cobra.Command {
	cmd := group("boost", "Manage boosted accounts")
	cmd.AddCommand(
		leaf("add <handle> <password> [shared_secret]", "Add an account", 2, 3, func(cmd *cobra.Command, args []string) error {
			req := accounts.AddRequest{OwnerID: ownerID, Handle: args[0], Password: args[1]}
			if len(args) == 3 {
				req.SharedSecret = args[2]
			}
			acct, err := d.accounts.Add(cmd.Context(), req)
			if err != nil {
				return err
			}
			say(cmd, "Successfully added new account: `%s`", acct.Handle)
			return nil
		}),
		leaf("list", "List your accounts", 0, 0, func(cmd *cobra.Command, _ []string) error {
			list, err := d.accounts.List(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				say(cmd, "No accounts yet. Add one with `boost add <handle> <password>`.")
				return nil
			}
			for i, acct := range list {
				state := session.StateIdle.String()
				if st, ok := d.sessions.Status(acct.ID); ok {
					state = st.State.String()
				}
				presence := "invisible"
				if acct.Online {
					presence = "online"
				}
				games := "none"
				if ids := acct.ResourceIDs(); len(ids) > 0 {
					parts := make([]string, len(ids))
					for j, id := range ids {
						parts[j] = fmt.Sprint(id)
					}
					games = strings.Join(parts, ", ")
				}
				say(cmd, "#%d `%s` | %s | %.1f h | %s | games: %s", i+1, acct.Handle, state, acct.TotalHours, presence, games)
			}
			return nil
		}),
		leaf("start <handle>", "Start boosting an account", 1, 1, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if err := d.sessions.Start(cmd.Context(), acct.ID); err != nil {
				if errors.Is(err, session.ErrAlreadyActive) {
					return replyf("Account `%s` is already boosting.", acct.Handle)
				}
				return err
			}
			say(cmd, "Started boosting for `%s`.", acct.Handle)
			return nil
		}),
		leaf("stop <handle>", "Stop boosting an account", 1, 1, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if _, tracked := d.sessions.Status(acct.ID); !tracked && !acct.Running {
				return replyf("Account `%s` is not being boosted.", acct.Handle)
			}
			if err := d.sessions.Stop(cmd.Context(), acct.ID); err != nil {
				return err
			}
			say(cmd, "Stopped boosting for `%s`.", acct.Handle)
			return nil
		}),
		leaf("restart [handle]", "Restart one account, or all of yours", 0, 1, func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				n, err := d.sessions.RestartAll(cmd.Context(), ownerID)
				if err != nil {
					return err
				}
				say(cmd, "Restarted `%d` account(s).", n)
				return nil
			}
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if err := d.sessions.Restart(cmd.Context(), acct.ID); err != nil {
				if errors.Is(err, session.ErrNotTracked) || errors.Is(err, session.ErrNotConnected) {
					return replyf("Account `%s` is not being boosted.", acct.Handle)
				}
				return err
			}
			say(cmd, "Restarting `%s`.", acct.Handle)
			return nil
		}),
		leaf("remove <handle>", "Stop and delete an account", 1, 1, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if err := d.sessions.Remove(cmd.Context(), acct.ID); err != nil {
				return err
			}
			say(cmd, "Removed account `%s`.", acct.Handle)
			return nil
		}),
		leaf("guard <handle> <code>", "Submit a second-factor code", 2, 2, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			err = d.sessions.SubmitCode(cmd.Context(), acct.ID, "", args[1])
			if errors.Is(err, session.ErrNotTracked) || errors.Is(err, session.ErrNoPendingChallenge) {
				return replyf("Account `%s` does not require a code.", acct.Handle)
			}
			if err != nil {
				return err
			}
			say(cmd, "Code submitted for `%s`.", acct.Handle)
			return nil
		}),
		leaf("games <handle>", "Show the most boosted games of an account", 1, 1, func(cmd *cobra.Command, args []string) error {
			acct, err := d.find(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			top, err := d.accounts.TopResources(cmd.Context(), acct, 10)
			if err != nil {
				return err
			}
			if len(top) == 0 {
				say(cmd, "No hours recorded for `%s` yet.", acct.Handle)
				return nil
			}
			say(cmd, "Top games for `%s`:", acct.Handle)
			for _, r := range top {
				name := r.Name
				if name == "" {
					name = fmt.Sprintf("App %d", r.AppID)
				}
				say(cmd, "%s (%d): %.1f h", name, r.AppID, r.Hours)
			}
			return nil
		}),
	)
	return cmd
}
