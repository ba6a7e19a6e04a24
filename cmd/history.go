package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded attendance",
	Long: `Lists attendance events, or with --summary one line per person. Events come from
the PostgreSQL mirror when one is configured and from the attendance log otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		f, err := parseHistoryFilter(
			mustGetString(cmd, "since"),
			mustGetString(cmd, "until"),
			mustGetString(cmd, "name"),
			mustGetInt(cmd, "limit"),
		)
		if err != nil {
			return err
		}
		return runHistory(cmd.Context(), f, mustGetBool(cmd, "summary"), mustGetBool(cmd, "csv"))
	},
}

func init() {
	historyCmd.Flags().String("since", "", "Only events at or after this date (2006-01-02 or 2006-01-02 15:04:05)")
	historyCmd.Flags().String("until", "", "Only events before this date")
	historyCmd.Flags().String("name", "", "Only events of this person")
	historyCmd.Flags().Int("limit", 0, "Show at most this many events (0 for all)")
	historyCmd.Flags().Bool("summary", false, "One line per person instead of one per event")
	historyCmd.Flags().Bool("csv", false, "Read the attendance log even when a mirror is configured")
	rootCmd.AddCommand(historyCmd)
}

// parseTime accepts a date or a full attendance timestamp, in local time.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{types.TimestampLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (use 2006-01-02 or 2006-01-02 15:04:05)", s)
}

func parseHistoryFilter(since, until, name string, limit int) (store.Filter, error) {
	f := store.Filter{Name: name, Limit: limit}
	var err error
	if since != "" {
		if f.Since, err = parseTime(since); err != nil {
			return f, err
		}
	}
	if until != "" {
		if f.Until, err = parseTime(until); err != nil {
			return f, err
		}
	}
	if limit < 0 {
		return f, fmt.Errorf("limit cannot be negative, got %d", limit)
	}
	return f, nil
}

func runHistory(ctx context.Context, f store.Filter, summary, fromCSV bool) error {
	var mirror *store.Store
	if !fromCSV {
		mirror = openMirror(ctx)
	}

	if summary {
		var people []store.PersonSummary
		var err error
		if mirror != nil {
			people, err = mirror.Summary(ctx, f)
		} else {
			var events []types.Event
			if events, err = csvEvents(f); err == nil {
				people = summarize(events)
			}
		}
		if err != nil {
			utils.ShowError("Failed to summarize attendance", err, nil)
			return err
		}
		printSummary(people)
		return nil
	}

	var events []types.Event
	var err error
	if mirror != nil {
		var records []store.EventRecord
		if records, err = mirror.ListEvents(ctx, f); err == nil {
			for _, r := range records {
				events = append(events, r.Event)
			}
		}
	} else {
		events, err = csvEvents(f)
		if err == nil && f.Limit > 0 && len(events) > f.Limit {
			events = events[:f.Limit]
		}
	}
	if err != nil {
		utils.ShowError("Failed to read attendance", err, nil)
		return err
	}
	printEvents(events)
	return nil
}

// csvEvents reads the attendance log and applies the filter's time and name constraints.
func csvEvents(f store.Filter) ([]types.Event, error) {
	log, err := attendance.Open(cfg.Log.Path)
	if err != nil {
		return nil, err
	}
	rows, err := log.Rows()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return filterEvents(rows, f), nil
}

func filterEvents(events []types.Event, f store.Filter) []types.Event {
	var out []types.Event
	for _, e := range events {
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
			continue
		}
		if f.Name != "" && e.Name != f.Name {
			continue
		}
		out = append(out, e)
	}
	return out
}

// summarize aggregates events per (name, student id), most frequent first, the
// same way the mirror's Summary query does.
func summarize(events []types.Event) []store.PersonSummary {
	type key struct{ name, id string }
	byPerson := make(map[key]*store.PersonSummary)
	days := make(map[key]map[string]bool)

	for _, e := range events {
		k := key{e.Name, e.StudentID}
		p, ok := byPerson[k]
		if !ok {
			p = &store.PersonSummary{Name: e.Name, StudentID: e.StudentID, First: e.Timestamp, Last: e.Timestamp}
			byPerson[k] = p
			days[k] = make(map[string]bool)
		}
		p.Events++
		if e.Timestamp.Before(p.First) {
			p.First = e.Timestamp
		}
		if e.Timestamp.After(p.Last) {
			p.Last = e.Timestamp
		}
		days[k][e.Timestamp.Local().Format("2006-01-02")] = true
	}

	out := make([]store.PersonSummary, 0, len(byPerson))
	for k, p := range byPerson {
		p.Days = len(days[k])
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func printEvents(events []types.Event) {
	if len(events) == 0 {
		fmt.Println("No attendance recorded.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTUDENT ID\tTIMESTAMP")
	fmt.Fprintln(w, "----\t----------\t---------")
	for _, e := range events {
		r := e.Record()
		fmt.Fprintf(w, "%s\t%s\t%s\n", r[0], r[1], r[2])
	}
	w.Flush()
}

func printSummary(people []store.PersonSummary) {
	if len(people) == 0 {
		fmt.Println("No attendance recorded.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTUDENT ID\tEVENTS\tDAYS\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, "----\t----------\t------\t----\t----------\t---------")
	for _, p := range people {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", p.Name, p.StudentID, p.Events, p.Days,
			p.First.Local().Format(types.TimestampLayout), p.Last.Local().Format(types.TimestampLayout))
	}
	w.Flush()
}
