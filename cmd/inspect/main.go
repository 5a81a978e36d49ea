// Command inspect prints what the keeper would do against the current query
// store snapshot without submitting anything.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"umbra-keeper/internal/config"
	"umbra-keeper/internal/keeper"
	"umbra-keeper/internal/logging"
	"umbra-keeper/internal/matching"
	"umbra-keeper/internal/metrics"
	"umbra-keeper/internal/query"
	"umbra-keeper/internal/snapshot"
	"umbra-keeper/internal/state"
	"umbra-keeper/internal/state/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file")
	showReports := flag.Bool("reports", true, "print the last persisted cycle report per engine")
	asJSON := flag.Bool("json", false, "print the plan as JSON")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pqs, err := query.Open(ctx, cfg.Query)
	if err != nil {
		fatal(err)
	}
	defer pqs.Close()
	reader := snapshot.NewReader(pqs, log.Named("snapshot"), metrics.NewNoop().MalformedRecords)

	out := inspection{Mode: cfg.Matching.Mode}
	if orders, err := reader.OpenOrders(ctx); err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("open orders: %v", err))
	} else {
		out.OpenOrders = len(orders)
		for _, m := range matching.Plan(matching.Mode(cfg.Matching.Mode), orders) {
			out.Matches = append(out.Matches, plannedMatch{
				Pair:  m.Buy.Pair().String(),
				Buy:   m.Buy.ContractID,
				Sell:  m.Sell.ContractID,
				Price: m.Price.String(),
			})
		}
	}

	positions, err := reader.BorrowPositions(ctx)
	if err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("borrow positions: %v", err))
	}
	if len(positions) > 0 {
		market, what, err := keeper.LoadMarket(ctx, reader, cfg.Liquidation.BorrowAsset, cfg.Liquidation.CollateralAsset)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", what, err))
		} else {
			out.Index = market.Pool.AccumulatedIndex.String()
			for _, a := range keeper.Assess(positions, market) {
				out.Positions = append(out.Positions, assessedPosition{
					ContractID:   a.Position.ContractID,
					Borrower:     a.Position.Borrower,
					Debt:         a.Debt.String(),
					Health:       a.Health.String(),
					Liquidatable: a.Health.Liquidatable(),
				})
			}
		}
	}

	if *showReports {
		out.Reports = loadReports(ctx, cfg.State.SQLitePath)
	}

	if *asJSON {
		pretty, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(pretty))
		return
	}
	out.print()
}

type plannedMatch struct {
	Pair  string `json:"pair"`
	Buy   string `json:"buy"`
	Sell  string `json:"sell"`
	Price string `json:"price"`
}

type assessedPosition struct {
	ContractID   string `json:"contract_id"`
	Borrower     string `json:"borrower"`
	Debt         string `json:"debt"`
	Health       string `json:"health"`
	Liquidatable bool   `json:"liquidatable"`
}

type inspection struct {
	Mode       string              `json:"mode"`
	OpenOrders int                 `json:"open_orders"`
	Matches    []plannedMatch      `json:"matches"`
	Index      string              `json:"index,omitempty"`
	Positions  []assessedPosition  `json:"positions"`
	Reports    []state.CycleReport `json:"reports,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
}

func (i inspection) print() {
	fmt.Printf("open orders: %d (mode %s)\n", i.OpenOrders, i.Mode)
	for _, m := range i.Matches {
		fmt.Printf("  match %s buy=%s sell=%s price=%s\n", m.Pair, m.Buy, m.Sell, m.Price)
	}
	fmt.Printf("borrow positions: %d (index %s)\n", len(i.Positions), i.Index)
	for _, p := range i.Positions {
		mark := ""
		if p.Liquidatable {
			mark = " LIQUIDATE"
		}
		fmt.Printf("  %s borrower=%s debt=%s health=%s%s\n", p.ContractID, p.Borrower, p.Debt, p.Health, mark)
	}
	for _, r := range i.Reports {
		status := fmt.Sprintf("planned=%d ok=%d failed=%d dup=%d", r.Planned, r.Succeeded, r.Failed, r.Duplicates)
		if r.Skipped != "" {
			status = "skipped: " + r.Skipped
		}
		fmt.Printf("last %s cycle at %s: %s\n", r.Engine, time.UnixMilli(r.FinishedAtMS).UTC().Format(time.RFC3339), status)
	}
	for _, e := range i.Errors {
		fmt.Printf("error: %s\n", e)
	}
}

func loadReports(ctx context.Context, path string) []state.CycleReport {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	store, err := sqlite.New(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "state store unavailable: %v\n", err)
		return nil
	}
	defer store.Close()
	var out []state.CycleReport
	for _, engine := range keeper.Engines {
		report, ok, err := state.LoadCycleReport(ctx, store, engine)
		if err != nil || !ok {
			continue
		}
		out = append(out, report)
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
