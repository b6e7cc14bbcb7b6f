package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	persistentstack "github.com/c0deZ3R0/go-persistent-stack"
	"github.com/c0deZ3R0/go-persistent-stack/cloud/httpcloud"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
	"github.com/c0deZ3R0/go-persistent-stack/model"
	"github.com/c0deZ3R0/go-persistent-stack/settings"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// app is an opened stack plus what the commands need around it.
type app struct {
	stack    *persistentstack.Stack
	settings *settings.File
	client   *httpcloud.Client
	model    *model.Model
	logger   *logging.Logger
}

func settingsPath() string {
	return filepath.Join(viper.GetString("dir"), "settings.yaml")
}

func openSettings() (*settings.File, error) {
	return settings.OpenFile(settingsPath(), false, settings.WithLogger(logging.WithComponent("settings")))
}

func cloudClient() *httpcloud.Client {
	url := viper.GetString("cloud-url")
	if url == "" {
		return nil
	}
	return httpcloud.NewClient(url, &http.Client{}, httpcloud.WithClientLogger(logging.WithComponent("httpcloud")))
}

// openApp builds the stack. It is left unloaded; load loads it in the mode
// the settings ask for.
func openApp() (*app, error) {
	modelPath := viper.GetString("model")
	if modelPath == "" {
		return nil, fmt.Errorf("--model is required")
	}
	policy, err := types.ParseMergePolicy(viper.GetString("merge-policy"))
	if err != nil {
		return nil, err
	}

	opts := []persistentstack.Option{
		persistentstack.WithContainerDir(viper.GetString("dir")),
		persistentstack.WithDriver(viper.GetString("driver")),
		persistentstack.WithMergePolicy(policy),
	}
	client := cloudClient()
	if client != nil {
		account := viper.GetString("account")
		if account == "" {
			return nil, fmt.Errorf("--account is required with --cloud-url")
		}
		opts = append(opts, persistentstack.WithCloud(persistentstack.CloudConfig{
			Account: account,
			Backend: client,
		}))
	}

	cfg, err := persistentstack.NewConfiguration(viper.GetString("author"), viper.GetString("container"), modelPath, opts...)
	if err != nil {
		return nil, err
	}
	prefs, err := openSettings()
	if err != nil {
		return nil, err
	}
	stack, err := persistentstack.New(cfg, client != nil && prefs.Enabled())
	if err != nil {
		prefs.Close()
		return nil, err
	}
	return &app{
		stack:    stack,
		settings: prefs,
		client:   client,
		model:    stack.Container().Model(),
		logger:   logging.WithComponent("pstack"),
	}, nil
}

// load loads the stack for one-shot commands.
func (a *app) load(ctx context.Context) error {
	a.stack.ReconfigureIfNeeded(a.client != nil && a.settings.Enabled())
	if err := a.stack.Flush(ctx); err != nil {
		return err
	}
	if !a.stack.IsLoaded() {
		return fmt.Errorf("store failed to load; see the log for details")
	}
	return nil
}

// sync pushes and pulls once when the store is cloud synced.
func (a *app) sync(ctx context.Context) error {
	c := a.stack.Container()
	mirror := c.Coordinator().Mirror(c.Coordinator().Primary())
	if mirror == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return mirror.Sync(ctx)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.stack.Close(ctx); err != nil {
		a.logger.LogError(ctx, err, "failed to close stack")
	}
	a.settings.Close()
}

// parseFields turns key=value arguments into typed fields of entity.
func (a *app) parseFields(entity string, args []string) (map[string]any, error) {
	e, ok := a.model.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	kinds := make(map[string]string, len(e.Properties))
	for _, p := range e.Properties {
		kinds[p.Name] = p.Type
	}

	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("field %q is not key=value", arg)
		}
		kind, known := kinds[key]
		if !known {
			return nil, fmt.Errorf("%s has no property %q", entity, key)
		}
		v, err := parseValue(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", entity, key, err)
		}
		fields[key] = v
	}
	return fields, nil
}

func parseValue(kind, raw string) (any, error) {
	switch kind {
	case "int":
		return strconv.ParseInt(raw, 10, 64)
	case "float":
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}
