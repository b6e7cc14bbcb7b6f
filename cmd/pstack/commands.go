package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// withApp opens and loads the stack around fn.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.load(cmd.Context()); err != nil {
		return err
	}
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var putCmd = &cobra.Command{
	Use:   "put <entity> <id> key=value...",
	Short: "Insert or update an object",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ctx := cmd.Context()
			fields, err := a.parseFields(args[0], args[2:])
			if err != nil {
				return err
			}
			id := types.ObjectID{Entity: args[0], ID: args[1]}

			bg := a.stack.NewBackgroundContext()
			if _, err := bg.Get(ctx, id); err == nil {
				bg.Update(id, fields)
			} else {
				bg.InsertWithID(id, fields)
			}
			txn, err := bg.Save(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("saved %s at token %s\n", id, txn.Token)
			return a.sync(ctx)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <entity> <id>",
	Short: "Print one object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			obj, err := a.stack.ViewContext().Get(cmd.Context(), types.ObjectID{Entity: args[0], ID: args[1]})
			if err != nil {
				return err
			}
			return printJSON(obj)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <entity>",
	Short: "Print every object of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.sync(cmd.Context()); err != nil {
				return err
			}
			objs, err := a.stack.ViewContext().List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(objs)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <entity> <id>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ctx := cmd.Context()
			id := types.ObjectID{Entity: args[0], ID: args[1]}
			bg := a.stack.NewBackgroundContext()
			if _, err := bg.Get(ctx, id); err != nil {
				return err
			}
			bg.Delete(id)
			if _, err := bg.Save(ctx); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
			return a.sync(ctx)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:       "sync on|off",
	Short:     "Turn cloud sync on or off",
	Long:      "Stores the sync preference. Running watch commands pick it up immediately.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		prefs, err := openSettings()
		if err != nil {
			return err
		}
		defer prefs.Close()
		if err := prefs.SetSyncEnabled(args[0] == "on"); err != nil {
			return err
		}
		fmt.Printf("cloud sync %s (%s)\n", args[0], prefs.Path())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stack state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			c := a.stack.Container()
			status := map[string]any{
				"container_id":    c.ID(),
				"generation":      c.Generation(),
				"mode":            c.Mode().String(),
				"loaded":          a.stack.IsLoaded(),
				"sync_preference": a.settings.Enabled(),
				"history_token":   a.stack.LastHistoryToken(),
			}
			if a.client != nil {
				cfg := a.stack.Configuration()
				code, err := a.client.AccountStatus(cmd.Context(), cfg.Cloud.Account)
				if err != nil {
					status["account"] = availability.Unavailable(availability.ReasonUnknown).String()
				} else {
					status["account"] = availability.FromAccountStatus(&code).String()
				}
			}
			return printJSON(status)
		})
	},
}
