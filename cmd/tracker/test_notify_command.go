package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"audiotracker/internal/catalog"
	"audiotracker/internal/model"
	"audiotracker/internal/notify"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a sample digest through every enabled channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The sample never touches the store.
			dispatcher, err := ctx.newDispatcher(nil, newHTTPClient())
			if err != nil {
				return err
			}
			if len(dispatcher.Channels()) == 0 {
				return errors.New("no notification channels enabled")
			}

			rep := dispatcher.Test(cmd.Context(), sampleRelease(time.Now()))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderTestReport(rep))
			if rep.Failed() {
				return errors.New("test notification failed on at least one channel")
			}
			return nil
		},
	}
}

func sampleRelease(now time.Time) model.Audiobook {
	const asin = "B0TEST0001"
	return model.Audiobook{
		ASIN:         asin,
		Title:        "The Test Notification",
		Author:       "Audiobook Tracker",
		Narrator:     "Sample Narrator",
		Publisher:    model.Unknown,
		Series:       "Tracker Checks",
		SeriesNumber: "1",
		ReleaseDate:  now.AddDate(0, 0, 7).Format("2006-01-02"),
		Link:         catalog.ProductLink(asin),
	}
}

func renderTestReport(rep notify.Report) string {
	rows := make([][]string, 0, len(rep.Channels))
	for _, ch := range rep.Channels {
		rows = append(rows, []string{ch.Channel, strconv.Itoa(ch.Attempts), channelResult(ch.Err, ch.Permanent)})
	}
	return renderTable(
		[]string{"Channel", "Attempts", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft},
	)
}
