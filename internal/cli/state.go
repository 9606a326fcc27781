package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aura-trivia/bot/internal/rounds"
	"github.com/aura-trivia/bot/internal/sessions"
	"github.com/aura-trivia/bot/pkg/queue"
)

func newRoundCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "round",
		Short: "Show the current round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			round, err := rounds.NewLedger(client, nil, 0, nil).CurrentRound(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(round)
			}
			if round.Empty() {
				_, err = fmt.Fprintln(out, "no round drawn")
				return err
			}
			fmt.Fprintf(out, "round: %s\n", round.ID)
			fmt.Fprintf(out, "questions: %d\n", round.Len())
			if !round.DrawnAt.IsZero() {
				fmt.Fprintf(out, "drawn: %s\n", round.DrawnAt.Format(time.RFC3339))
			}
			if !round.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "expires: %s (open: %t)\n", round.ExpiresAt.Format(time.RFC3339), !round.Closed(time.Now()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDeadlinesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deadlines",
		Short: "Show armed deadlines and the dead-letter list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.NewQueue(client, nil)
			pending, err := q.Pending(cmd.Context())
			if err != nil {
				return err
			}
			dead, err := q.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending: %d\n", pending)
			fmt.Fprintf(out, "dead letters: %d\n", len(dead))
			for _, d := range dead {
				fmt.Fprintf(out, "  user %d position %d attempts %d\n", d.UserID, d.Position, d.Attempt)
			}
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Per-user completion flag and correct count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			store := sessions.NewStore(client, a.totalQuestions, nil)
			ids, err := store.ListRegisteredUsers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "users: %d\n", len(ids))
			for _, id := range ids {
				p, err := store.Progress(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d finished=%t correct=%d position=%d\n", id, p.Finished, p.Correct, p.Position)
			}
			return nil
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [userId]",
		Short: "Reset one user's progress, or everyone's with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			store := sessions.NewStore(client, a.totalQuestions, nil)
			out := cmd.OutOrStdout()
			if all {
				n, err := store.ResetAll(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "reset %d users\n", n)
				return err
			}
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			if err := store.ResetUser(cmd.Context(), userID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "reset %d\n", userID)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every registered user")
	return cmd
}
