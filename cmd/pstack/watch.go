package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	persistentstack "github.com/c0deZ3R0/go-persistent-stack"
	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/container"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

var watchPoll time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the stack loaded and print what other authors change",
	Long: `watch keeps the stack open until interrupted. It reloads the store when
the sync preference (see "pstack sync") or the cloud account status changes,
and prints every transaction merged from other authors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		a.stack.RegisterMergeHandler(func(c *container.Container, txs []types.Transaction) {
			for _, txn := range txs {
				inserted, updated, deleted := txn.ObjectIDs()
				fmt.Printf("merged %s by %s: %d inserted, %d updated, %d deleted\n",
					txn.Token, txn.Author, len(inserted), len(updated), len(deleted))
			}
		})
		cancelReload := a.stack.SubscribeReload(func(c *container.Container) {
			fmt.Printf("reloaded generation %d (%s)\n", c.Generation(), c.Mode())
		})
		defer cancelReload()
		cancelEvents := a.stack.SubscribeCloudEvents(func(ev cloud.Event) {
			if ev.Finished() && ev.Err != nil {
				fmt.Printf("cloud %s failed: %v\n", ev.Type, ev.Err)
			}
		})
		defer cancelEvents()

		loader := persistentstack.NewLoader(a.stack, a.settings, a.provider())
		cancelUnavailable := loader.SubscribeUnavailable(func(av availability.Availability) {
			fmt.Printf("cloud account %s, staying local\n", av)
		})
		defer cancelUnavailable()

		return loader.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchPoll, "poll", time.Minute, "how often the account status is checked")
}

// provider reports the account status of the configured cloud, or a fixed
// unavailability when there is none.
func (a *app) provider() availability.Provider {
	if a.client == nil {
		return availability.Static(availability.Unavailable(availability.ReasonNoAccount))
	}
	account := viper.GetString("account")
	return availability.NewStatusPoller(cloud.StatusSource(a.client, account), watchPoll, logging.WithComponent("availability"))
}
