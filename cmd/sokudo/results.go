package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/00quasr/sokudo-sub009/internal/platform/tui"
	"github.com/00quasr/sokudo-sub009/internal/race"
	"github.com/00quasr/sokudo-sub009/internal/storage"
)

var (
	flagResultsUser string
	flagLimit       int
	flagRaceID      string
	flagBrowse      bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show stored races",
	Long: `Show recently finished races, one user's history or a single race.

Examples:
  sokudo results                  # Latest races
  sokudo results --user alice     # Alice's races and average speed
  sokudo results --race <id>      # Full ranking of one race
  sokudo results --browse         # Interactive browser`,
	RunE: runResults,
}

func init() {
	resultsCmd.Flags().StringVar(&flagResultsUser, "user", "", "Show the history of this user")
	resultsCmd.Flags().IntVar(&flagLimit, "limit", 10, "Maximum number of races")
	resultsCmd.Flags().StringVar(&flagRaceID, "race", "", "Show the ranking of one race")
	resultsCmd.Flags().BoolVar(&flagBrowse, "browse", false, "Open the interactive browser")
}

func runResults(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if flagBrowse {
		width, height := 80, 24
		if w, h, termErr := term.GetSize(int(os.Stdout.Fd())); termErr == nil {
			width, height = w, h
		}
		return tui.RunResults(store, race.UserID(flagResultsUser), width, height)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case flagRaceID != "":
		return printRace(ctx, os.Stdout, store, race.RaceID(flagRaceID))
	case flagResultsUser != "":
		return printHistory(ctx, os.Stdout, store, race.UserID(flagResultsUser), flagLimit)
	default:
		return printRecent(ctx, os.Stdout, store, flagLimit)
	}
}

func printRecent(ctx context.Context, w io.Writer, store *storage.Store, limit int) error {
	races, err := store.RecentRaces(ctx, limit)
	if err != nil {
		return err
	}
	if len(races) == 0 {
		fmt.Fprintln(w, "No races recorded yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RACE\tFINISHED\tPLAYERS\tWINNER\tWPM")
	for _, r := range races {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.1f\n",
			r.RaceID, r.FinishedAt.Local().Format("2006-01-02 15:04"), r.Players, r.WinnerName, r.WinnerWPM)
	}
	return tw.Flush()
}

func printHistory(ctx context.Context, w io.Writer, store *storage.Store, userID race.UserID, limit int) error {
	history, err := store.UserHistory(ctx, userID, limit)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintf(w, "No races recorded for %s.\n", userID)
		return nil
	}

	if avg, ok, err := store.AverageWPM(ctx, userID); err == nil && ok {
		fmt.Fprintf(w, "%s averages %.1f wpm\n\n", userID, avg)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RACE\tFINISHED\tRANK\tWPM\tACCURACY")
	for _, h := range history {
		rank := fmt.Sprintf("%d/%d", h.Rank, h.Players)
		if h.DNF {
			rank = "DNF"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%.1f%%\n",
			h.RaceID, h.FinishedAt.Local().Format("2006-01-02 15:04"), rank, h.WPM, h.Accuracy)
	}
	return tw.Flush()
}

func printRace(ctx context.Context, w io.Writer, store *storage.Store, id race.RaceID) error {
	rec, err := store.RaceByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("race %s not found", id)
	}

	fmt.Fprintf(w, "Race %s, finished %s\n", rec.RaceID, rec.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "%q\n\n", rec.Text)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPLAYER\tWPM\tACCURACY\tTIME")
	for _, r := range rec.Results {
		rank := fmt.Sprintf("#%d", r.Rank)
		if r.DNF {
			rank = "DNF"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f%%\t%s\n",
			rank, r.DisplayName, r.WPM, r.Accuracy, (time.Duration(r.DurationMs) * time.Millisecond).Round(10*time.Millisecond))
	}
	return tw.Flush()
}
