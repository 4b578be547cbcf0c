package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchsync/internal/output"
)

func newRebuildCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [type...]",
		Short: "Reconcile the index with the primary store",
		Long: `Rebuild compares each type's entities in the primary store with the
index and writes only the differences: missing and stale documents are
indexed, documents for deleted entities are removed.

Without arguments, rebuilds rebuild.types from the configuration, or every
type in the store when none are configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd, g, args)
		},
	}
}

func runRebuild(cmd *cobra.Command, g *globals, args []string) (err error) {
	ctx := cmd.Context()
	a, err := openApp(g.cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()

	types, err := a.types(ctx, args)
	if err != nil {
		return err
	}
	if len(types) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "Nothing to rebuild: the store is empty.")
		return err
	}

	out := output.New(cmd.OutOrStdout())
	var (
		errs   []error
		failed int64
	)
	for _, typ := range types {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r, err := a.rebuilds.Rebuild(ctx, typ)
		failed += r.Failed
		switch {
		case err != nil:
			out.Errorf("%s: %v", typ, err)
			errs = append(errs, err)
		case r.Failed > 0:
			out.Warningf("%s", r)
		default:
			out.Successf("%s", r)
		}
	}
	if failed > 0 {
		out.Infof("%s index operations failed; see the log for details.", humanize.Comma(failed))
	}
	return errors.Join(errs...)
}

func newCheckCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check [type...]",
		Short: "Report differences between the index and the store without writing",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			a, err := openApp(g.cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
			}()

			types, err := a.types(ctx, args)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			var errs []error
			for _, typ := range types {
				s, err := a.rebuilds.Check(ctx, typ)
				if err != nil {
					out.Errorf("%s: %v", typ, err)
					errs = append(errs, fmt.Errorf("check %s: %w", typ, err))
					continue
				}
				status := out.Successf
				if s.Differences() > 0 {
					status = out.Warningf
				}
				status("%s: %s in sync, %s missing from index, %s stale, %s orphaned",
					typ,
					humanize.Comma(int64(s.InSync)),
					humanize.Comma(int64(s.MissingInSecondary)),
					humanize.Comma(int64(s.Mismatched)),
					humanize.Comma(int64(s.MissingInPrimary)))
			}
			return errors.Join(errs...)
		},
	}
}
