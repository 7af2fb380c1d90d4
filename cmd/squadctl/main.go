package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"squadwars/internal/auth"
	cl "squadwars/internal/cli"
	"squadwars/internal/config"
	"squadwars/internal/syncq"
)

// stateDir holds the login and the offline queue.
var stateDir string

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL
	stateDir = cfg.StateDir

	root := &cobra.Command{
		Use:          "squadctl",
		Short:        "Squad Wars command-line client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "command server base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newTokenCmd(),
		newKeepAliveCmd(&apiBase),
		newSyncCmd(&apiBase),
		newPvpCmd(&apiBase),
		newGuildCmd(&apiBase),
		newWarCmd(&apiBase),
		newTournamentCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	return cl.LoadSession(stateDir, time.Now())
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newLoginCmd(apiBase *string) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a player access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(token) == "" {
				var err error
				token, err = promptSecret("Access token")
				if err != nil {
					return err
				}
			}
			sess, err := cl.NewSession(token, *apiBase)
			if err != nil {
				return err
			}
			if sess.Expired(time.Now()) {
				return cl.ErrSessionExpired
			}
			if err := cl.SaveSession(stateDir, sess); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Logged in as %s until %s.", sess.PlayerID, formatUnix(sess.ExpiresAt)))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (prompted when omitted)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(stateDir); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

// newTokenCmd mints tokens with the server secret. Operators only.
func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <player-id>",
		Short: "Mint an access token (needs SQUADWARS_JWT_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(os.Getenv("SQUADWARS_JWT_SECRET"))
			if secret == "" {
				return errors.New("SQUADWARS_JWT_SECRET is required")
			}
			tok, err := auth.NewIssuer(secret, ttl).Issue(args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newKeepAliveCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keepalive",
		Short: "Mark yourself online",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).KeepAlive(ctx, sess.AccessToken)
			if err != nil {
				return queueOnNetworkError(err, syncq.KeepAlive(uuid.NewString()))
			}
			return renderSimpleOK(out, "Keep-alive recorded.")
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			q := syncq.Open(stateDir)
			queue, err := q.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			out, err := newClient(apiBase).SyncReplay(ctx, sess.AccessToken, queue)
			if err != nil {
				return err
			}
			verdicts, err := decodeInto[struct {
				Results []syncq.Result `json:"results"`
			}](out)
			if err != nil {
				return err
			}
			left, err := q.Settle(verdicts.Results)
			if err != nil {
				return err
			}
			if err := renderReplay(out); err != nil {
				return err
			}
			if left > 0 {
				printWarn(fmt.Sprintf("%d command(s) hit a server fault and stay queued.", left))
			}
			return nil
		},
	}
}

func newPvpCmd(apiBase *string) *cobra.Command {
	pvp := &cobra.Command{
		Use:   "pvp",
		Short: "PvP raid matchmaking",
	}

	var exclude []string
	match := &cobra.Command{
		Use:   "match",
		Short: "Find and lock a PvP opponent",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).FindOpponent(ctx, sess.AccessToken, exclude)
			if err != nil {
				return err
			}
			return renderMatch(out)
		},
	}
	match.Flags().StringSliceVar(&exclude, "exclude", nil, "player ids to skip")

	var seen []string
	devbase := &cobra.Command{
		Use:   "devbase",
		Short: "Find a practice base",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).FindDevBase(ctx, sess.AccessToken, seen)
			if err != nil {
				return err
			}
			return renderMatch(out)
		},
	}
	devbase.Flags().StringSliceVar(&seen, "seen", nil, "dev base ids already played")

	pvp.AddCommand(
		match,
		devbase,
		&cobra.Command{
			Use:   "revenge <player-id>",
			Short: "Lock the player who last raided you",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).Revenge(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				return renderMatch(out)
			},
		},
		&cobra.Command{
			Use:   "release",
			Short: "Release your current target",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).ReleaseTarget(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				if released, _ := out["released"].(bool); !released {
					printInfo("No target was locked.")
					return nil
				}
				printSuccess("Target released.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "share",
			Short: "Offer your base as a practice target",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).ShareBase(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				if created, _ := out["created"].(bool); !created {
					printInfo("An identical base is already shared.")
					return nil
				}
				printSuccess("Base shared as a practice target.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "battle <battle-id>",
			Short: "Start the locked battle",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).BattleStart(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				return renderBattleStart(out)
			},
		},
	)
	return pvp
}

func newGuildCmd(apiBase *string) *cobra.Command {
	guild := &cobra.Command{
		Use:   "guild",
		Short: "Show your squad and its war",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).Guild(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderGuild(out)
		},
	}

	var since int64
	notifications := &cobra.Command{
		Use:   "notifications",
		Short: "List squad notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).Notifications(ctx, sess.AccessToken, since)
			if err != nil {
				return err
			}
			return renderNotifications(out)
		},
	}
	notifications.Flags().Int64Var(&since, "since", 0, "only notifications after this unix time")
	guild.AddCommand(notifications)
	return guild
}

func newWarCmd(apiBase *string) *cobra.Command {
	war := &cobra.Command{
		Use:   "war",
		Short: "Squad war commands",
	}

	var sameFaction bool
	signup := &cobra.Command{
		Use:   "signup <player-id>...",
		Short: "Sign your squad up for war with the listed participants",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).WarSignUp(ctx, sess.AccessToken, args, sameFaction, idem)
			if err != nil {
				return queueOnNetworkError(err, syncq.WarSignUp(args, sameFaction, idem))
			}
			return renderSignUp(out)
		},
	}
	signup.Flags().BoolVar(&sameFaction, "same-faction", false, "allow an opponent of your own faction")

	war.AddCommand(
		signup,
		&cobra.Command{
			Use:   "cancel",
			Short: "Withdraw a pending war sign-up",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				idem := uuid.NewString()
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).WarCancel(ctx, sess.AccessToken, idem)
				if err != nil {
					return queueOnNetworkError(err, syncq.WarCancel(idem))
				}
				return renderSimpleOK(out, "War sign-up cancelled.")
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current war and its participants",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).CurrentWar(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				return renderWar(out)
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "List recent wars",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).WarHistory(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				return renderWarHistory(out)
			},
		},
		&cobra.Command{
			Use:   "attack <defender-id>",
			Short: "Start a war attack",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).AttackStart(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				return renderAttackStart(out)
			},
		},
		&cobra.Command{
			Use:   "complete <battle-id> <stars>",
			Short: "Report a finished war attack",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				stars, err := strconv.Atoi(strings.TrimSpace(args[1]))
				if err != nil {
					return fmt.Errorf("invalid stars %q", args[1])
				}
				idem := uuid.NewString()
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).AttackComplete(ctx, sess.AccessToken, args[0], stars, idem)
				if err != nil {
					return queueOnNetworkError(err, syncq.AttackComplete(args[0], stars, idem))
				}
				return renderAttackResult(out)
			},
		},
	)
	return war
}

func newTournamentCmd(apiBase *string) *cobra.Command {
	t := &cobra.Command{
		Use:   "tournament",
		Short: "Tournament standings",
	}
	t.AddCommand(
		&cobra.Command{
			Use:   "leaderboard <tournament-id>",
			Short: "Show the top players and the ones around you",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).Leaderboard(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				return renderLeaderboard(out)
			},
		},
		&cobra.Command{
			Use:   "rank <tournament-id>",
			Short: "Show your rank and percentile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).TournamentRank(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				return renderRank(out)
			},
		},
	)
	return t
}

// queueOnNetworkError keeps a write for `squadctl sync` when the server
// could not be reached. Server rejections are returned as they are.
func queueOnNetworkError(err error, cmd syncq.Command) error {
	if err == nil {
		return nil
	}
	if cl.IsAPIError(err) {
		return err
	}
	if qerr := syncq.Open(stateDir).Push(cmd, time.Now()); qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", errors.Join(err, qerr))
	}
	printWarn(fmt.Sprintf("Server unreachable; queued %s %s for `squadctl sync`.", cmd.Method, cmd.Path))
	return nil
}
