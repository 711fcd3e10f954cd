package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/datallboy/usenetd/internal/app"
	"github.com/datallboy/usenetd/internal/control"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/nzb"
)

var fetchOpts struct {
	category string
	priority string
	pp       int
	password string
	force    bool
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [file.nzb]",
	Short: "Download one NZB in the foreground",
	Long: `fetch runs the engine in-process for a single NZB, shows its progress
and exits once the job is done or failed. Jobs already in the queue are
resumed alongside it.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	f := fetchCmd.Flags()
	f.StringVar(&fetchOpts.category, "category", "", "category rule to apply")
	f.StringVar(&fetchOpts.priority, "priority", "", "high, normal or low")
	f.IntVar(&fetchOpts.pp, "pp", -1, "post-processing level 0-3 (default from category)")
	f.StringVar(&fetchOpts.password, "password", "", "archive password")
	f.BoolVar(&fetchOpts.force, "force", false, "admit even if the same articles were downloaded before")
}

func runFetch(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	cfg, log, err := load(false)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewContext(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.Service.Start(ctx); err != nil {
		return err
	}
	admin := control.WithSession(context.Background(), control.Internal)
	defer a.Service.Shutdown(admin, 0)

	opts := control.NZBOptions{
		DefaultName: nzb.NameFromPath(args[0]),
		Category:    fetchOpts.category,
		Priority:    fetchOpts.priority,
		Password:    fetchOpts.password,
		Force:       fetchOpts.force,
	}
	if fetchOpts.pp >= 0 {
		level := domain.PPLevel(fetchOpts.pp)
		opts.PP = &level
	}
	id, err := a.Service.AddNZB(admin, data, opts)
	if err != nil {
		return err
	}

	d, err := a.Service.JobDetail(admin, id)
	if err != nil {
		return err
	}
	fmt.Printf("Job %d: %s, %d files, %s\n", id, d.Name, len(d.Files), humanize.Bytes(uint64(d.SizeEstimate)))
	bar := progressbar.DefaultBytes(d.SizeEstimate, filepath.Base(d.Name))

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return fmt.Errorf("interrupted, job %d stays queued", id)
		case <-tick.C:
		}
		d, err = a.Service.JobDetail(admin, id)
		if err != nil {
			return err
		}
		_ = bar.Set64(min(int64(d.Counters.BytesOnDisk), d.SizeEstimate))
		if d.Stage != "" {
			bar.Describe(d.Stage)
		}
		if d.HistoryID != "" {
			break
		}
	}
	_ = bar.Finish()
	fmt.Println()

	if d.State != domain.StateDone.String() {
		for _, e := range d.Errors {
			fmt.Fprintf(os.Stderr, "  %s/%s: %s\n", e.Kind, e.Code, e.Msg)
		}
		return fmt.Errorf("job %d %s", id, d.State)
	}
	fmt.Printf("Completed in %s\n", d.Destination)
	return nil
}
