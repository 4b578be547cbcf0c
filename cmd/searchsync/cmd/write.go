package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchsync/internal/store"
)

func newPutCmd(g *globals) *cobra.Command {
	var ver int64

	cmd := &cobra.Command{
		Use:   "put <type> <id> [field=value...]",
		Short: "Write an entity to the store and sync it to the index",
		Long: `Put inserts or updates one entity in the primary store. An insert keeps
--version; an update bumps the stored version by one. The change is then
written to the index by the incremental dispatcher.

Values that parse as numbers or booleans are stored as such.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			return commit(cmd, g, func(u *store.UnitOfWork) {
				u.Put(&store.Record{Type: args[0], ID: args[1], Version: ver, Fields: fields})
			})
		},
	}
	cmd.Flags().Int64Var(&ver, "version", 1, "Version for a newly inserted entity")
	return cmd
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity from the store and the index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commit(cmd, g, func(u *store.UnitOfWork) {
				u.Delete(args[0], args[1])
			})
		},
	}
}

// commit runs one unit of work and waits for its batch to reach the index.
func commit(cmd *cobra.Command, g *globals, fill func(*store.UnitOfWork)) (err error) {
	ctx := cmd.Context()
	a, err := openApp(g.cfg)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
		}
	}()

	uow := a.store.Begin(a.registry, a.dispatcher)
	fill(uow)
	batch, err := uow.Commit(ctx)
	if err != nil {
		return err
	}

	// Close drains the dispatcher so the batch is written before exit.
	closed = true
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	stats := a.dispatcher.Stats()
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Committed %d task(s) in batch %s; %d resolved, %d unresolved.\n",
		batch.Len(), batch.ID, stats.TasksResolved, stats.TasksUnresolved)
	return err
}

// parseFields turns field=value arguments into a document.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q: expected name=value", arg)
		}
		fields[name] = parseValue(value)
	}
	return fields, nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
