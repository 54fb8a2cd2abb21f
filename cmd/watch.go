package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markb/boardsync/internal/boards"
	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/client"
	"github.com/markb/boardsync/internal/realtime"
	"github.com/markb/boardsync/internal/reconcile"
)

var watchCmd = &cobra.Command{
	Use:   "watch <channel>...",
	Short: "Subscribe to channels and print reconciled events",
	Long: `Connects to a boardsync server as a client, subscribes to the given
channels and prints every event after it has been applied to a local copy
of the board state.

With --db the local copy starts from the boards the channels cover, read
from the server's database file. Without it, events for rows the copy has
not seen yet are printed with outcome "buffered".

Examples:
  boardsync watch --token "$(boardsync keys token --user alice)" workspace:w1 board:b1
  boardsync watch --db data.db --token "$BOARDSYNC_TOKEN" board:b1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = os.Getenv(envPrefix + "TOKEN")
		}
		if token == "" {
			return fmt.Errorf("--token or %sTOKEN is required", envPrefix)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := json.NewEncoder(os.Stdout)
		live := false
		rec := reconcile.New(reconcile.Config{
			OnApply: func(ev *realtime.Event, o reconcile.Outcome) {
				if !live {
					return
				}
				out.Encode(map[string]any{
					"outcome": o.String(),
					"event":   ev.Kind,
					"table":   ev.Table,
					"new":     ev.New,
					"old":     ev.Old,
				})
			},
		})

		if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
			if err := seedSnapshot(ctx, rec, dbPath, args); err != nil {
				return err
			}
		}
		live = true

		cfg := client.DefaultConfig()
		cfg.URL = url
		m := client.NewManager(cfg)
		m.OnStateChange(func(s client.State) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", s)
		})

		for _, name := range args {
			h := rec.Handlers()
			channelName := name
			h.OnCustom = func(eventType string, payload map[string]any) {
				out.Encode(map[string]any{
					"event":   realtime.KindCustom,
					"channel": channelName,
					"type":    eventType,
					"payload": payload,
				})
			}
			if _, err := m.Registry().AddHandler(name, h); err != nil {
				return err
			}
		}

		if err := m.Initialize(ctx, token); err != nil {
			return err
		}
		defer m.Disconnect()

		if err := m.WaitConnected(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

// seedSnapshot loads the boards covered by channels into rec.
func seedSnapshot(ctx context.Context, rec *reconcile.Reconciler, dbPath string, channels []string) error {
	database, err := openExisting(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	store := boards.NewStore(database.DB)

	for _, name := range channels {
		ch, err := channel.Parse(name)
		if err != nil {
			return err
		}
		var snap *boards.Snapshot
		switch scope := ch.Scope(); scope.Kind {
		case channel.ScopeWorkspace:
			snap, err = store.WorkspaceSnapshot(ctx, scope.ID)
		case channel.ScopeBoard:
			snap, err = store.BoardSnapshot(ctx, scope.ID)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load snapshot for %s: %w", name, err)
		}
		for _, part := range []struct {
			table string
			rows  []map[string]any
		}{
			{channel.TableBoards, snap.Boards},
			{channel.TableColumns, snap.Columns},
			{channel.TableCards, snap.Cards},
		} {
			rows := make([]realtime.Record, len(part.rows))
			for i, row := range part.rows {
				rows[i] = realtime.Record(row)
			}
			if err := rec.Load(part.table, rows...); err != nil {
				return fmt.Errorf("failed to seed %s: %w", part.table, err)
			}
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("db", "", "Seed the local copy from this database file")
	watchCmd.Flags().String("url", "ws://localhost:8080/realtime/v1/websocket", "Realtime websocket URL")
	watchCmd.Flags().String("token", "", "User access token (default: $BOARDSYNC_TOKEN)")
}
