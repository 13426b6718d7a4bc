package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"trendlab/internal/config"
	"trendlab/pkg/trendlab"
)

func main() {
	addr := flag.String("addr", "", "server address (default: from config)")
	limit := flag.Int("limit", 20, "runs to list")
	show := flag.String("run", "", "show trades of this run id")
	recipe := flag.String("exec", "", "run this recipe on the server")
	flag.Parse()

	if *addr == "" {
		cfg, err := config.Load(config.Path())
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		*addr = cfg.Server.GRPCAddr()
	}

	c, err := trendlab.NewClient(*addr)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch {
	case *recipe != "":
		info, err := c.RunRecipe(ctx, *recipe)
		if err != nil {
			log.Fatalf("running %s: %v", *recipe, err)
		}
		printRuns(w, []trendlab.RunInfo{*info})
	case *show != "":
		run, err := c.GetRun(ctx, *show)
		if err != nil {
			log.Fatalf("fetching run %s: %v", *show, err)
		}
		printRuns(w, []trendlab.RunInfo{run.RunInfo})
		fmt.Fprintln(w)
		fmt.Fprintln(w, "symbol\tside\tqty\tentry\tprice\texit\tprice\tnet\tR\treason")
		for _, t := range run.Trades {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
				t.Symbol, t.Side, t.Quantity,
				t.EntryTime.Format(time.DateOnly), t.EntryPrice,
				t.ExitTime.Format(time.DateOnly), t.ExitPrice,
				t.NetPnL, t.RMultiple, t.ExitReason)
		}
	default:
		runs, err := c.ListRuns(ctx, *limit)
		if err != nil {
			log.Fatalf("listing runs: %v", err)
		}
		printRuns(w, runs)
	}
}

func printRuns(w *tabwriter.Writer, runs []trendlab.RunInfo) {
	fmt.Fprintln(w, "id\tname\tstrategy\tcreated\ttrades\treturn%\tmaxdd%\tsharpe")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\n",
			r.ID, r.Name, r.Strategy, r.CreatedAt.Local().Format(time.DateTime),
			r.Summary.TotalTrades, r.Summary.TotalReturn*100, r.Summary.MaxDrawdown*100, r.Summary.SharpeRatio)
	}
}
