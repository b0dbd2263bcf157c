// Package commands runs owner chat commands such as "boost start gamer".
// Each line is parsed by a fresh cobra command tree; the reply is whatever
// the command wrote to its output.
package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/logutil"
	"github.com/gluk-w/hourboost/internal/session"
)

// ReplyError is a failure the owner caused. Its message is the reply.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}

func replyf(format string, args ...any) error {
	return &ReplyError{Message: fmt.Sprintf(format, args...)}
}

// Sessions is the part of the session pool the commands drive.
type Sessions interface {
	Start(ctx context.Context, id uint) error
	Stop(ctx context.Context, id uint) error
	Restart(ctx context.Context, id uint) error
	RestartAll(ctx context.Context, ownerID uint) (int, error)
	Remove(ctx context.Context, id uint) error
	SubmitCode(ctx context.Context, id uint, challengeID, code string) error
	Status(id uint) (session.Status, bool)
}

type Dispatcher struct {
	accounts *accounts.Service
	sessions Sessions
	logger   *zap.Logger
}

func NewDispatcher(svc *accounts.Service, sessions Sessions, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{accounts: svc, sessions: sessions, logger: logger.Named("commands")}
}

// Execute runs one command line for ownerID. Mistakes by the owner come back
// as the reply with a nil error; the error is reserved for internal failures.
func (d *Dispatcher) Execute(ctx context.Context, ownerID uint, line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "Empty command. Try `help`.", nil
	}

	var out bytes.Buffer
	root := d.newRoot(ownerID)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return strings.TrimSpace(out.String()), nil
	}
	if reply, ok := userMessage(err); ok {
		return reply, nil
	}
	d.logger.Error("command failed",
		zap.Uint("owner_id", ownerID),
		zap.String("command", logutil.SanitizeForLog(args[0])),
		zap.Error(err))
	return "", err
}

func userMessage(err error) (string, bool) {
	var re *ReplyError
	var ve *accounts.ValidationError
	var ice *session.InvalidCodeError
	var rle *session.RateLimitedError
	switch {
	case errors.As(err, &re):
		return re.Message, true
	case errors.As(err, &ve):
		return ve.Message, true
	case errors.As(err, &ice):
		return "Invalid code, try again.", true
	case errors.As(err, &rle):
		return fmt.Sprintf("Too many login attempts, try again in %s.", rle.RetryAfter.Round(time.Second)), true
	case errors.Is(err, session.ErrTransitionInProgress):
		return "A login or logout is already in progress for this account.", true
	case errors.Is(err, session.ErrNotConnected):
		return "The account is not being boosted.", true
	}
	return "", false
}

func (d *Dispatcher) newRoot(ownerID uint) *cobra.Command {
	root := &cobra.Command{
		Use:           "hourboost",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return replyf("Unknown command `%s`. Try `help`.", args[0])
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ReplyError{Message: err.Error()}
	})
	root.AddCommand(d.boostCmd(ownerID), d.configCmd(ownerID))
	return root
}

// group is a parent command; without a known subcommand it replies with
// its usage.
func group(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := make([]string, 0, len(cmd.Commands()))
			for _, c := range cmd.Commands() {
				names = append(names, c.Name())
			}
			return replyf("Usage: `%s <%s>`", cmd.Name(), strings.Join(names, "|"))
		},
	}
}

// leaf builds a subcommand taking between minArgs and maxArgs arguments.
// Flag parsing is off so passwords and codes starting with '-' survive.
func leaf(use, short string, minArgs, maxArgs int, run func(cmd *cobra.Command, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < minArgs || len(args) > maxArgs {
				return replyf("Usage: `%s %s`", cmd.Parent().Name(), cmd.Use)
			}
			return nil
		},
		RunE: run,
	}
}

func (d *Dispatcher) find(ctx context.Context, ownerID uint, handle string) (*database.Account, error) {
	acct, err := d.accounts.Find(ctx, ownerID, handle)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, replyf("Account `%s` not found.", handle)
	}
	return acct, err
}

func say(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
