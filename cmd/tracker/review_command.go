package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"audiotracker/internal/model"
	"audiotracker/internal/storage"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "List matches held for manual review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			books, err := store.ListReview(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(books) == 0 {
				_, _ = fmt.Fprintln(out, "No matches awaiting review")
				return nil
			}
			_, _ = fmt.Fprintln(out, renderReview(books))
			return nil
		},
	}
}

func renderReview(books []model.Audiobook) string {
	rows := make([][]string, 0, len(books))
	for _, b := range books {
		rows = append(rows, []string{
			b.ASIN,
			b.Title,
			b.Author,
			b.Series,
			b.ReleaseDate,
			strconv.FormatFloat(b.Confidence, 'f', 2, 64),
		})
	}
	return renderTable(
		[]string{"ASIN", "Title", "Author", "Series", "Release", "Confidence"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func newApproveCommand(ctx *commandContext) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "approve ASIN [ASIN...]",
		Short: "Release held matches so the next run announces them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var lookup func(asin string) (model.Audiobook, error)
			if refresh {
				cat, err := ctx.newCatalog(newHTTPClient())
				if err != nil {
					return err
				}
				lookup = func(asin string) (model.Audiobook, error) {
					return cat.Lookup(cmd.Context(), asin)
				}
			}

			out := cmd.OutOrStdout()
			var failed int
			for _, asin := range args {
				if lookup != nil {
					if err := refreshRecord(cmd, store, lookup, asin); err != nil {
						ctx.log.Warn("refresh before approval", "asin", asin, "error", err)
					}
				}
				err := store.ApproveReview(cmd.Context(), asin)
				switch {
				case errors.Is(err, storage.ErrNotFound):
					failed++
					_, _ = fmt.Fprintf(out, "%s: not awaiting review\n", asin)
				case err != nil:
					return err
				default:
					_, _ = fmt.Fprintf(out, "%s: approved\n", asin)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d records not approved", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh catalog metadata before approving")
	return cmd
}

// refreshRecord merges current catalog metadata into a held record without
// releasing it.
func refreshRecord(cmd *cobra.Command, store storage.Storage, lookup func(string) (model.Audiobook, error), asin string) error {
	if _, err := store.Get(cmd.Context(), asin); err != nil {
		return err
	}
	book, err := lookup(asin)
	if err != nil {
		return err
	}
	book.NeedsReview = true
	book.Confidence = 0
	if _, err := store.Upsert(cmd.Context(), book); err != nil {
		return err
	}
	return nil
}
