// Command reconcile spot-checks a bulk points campaign: given a file of
// telegram user IDs (one per line) that were supposed to receive a grant,
// it reports who is missing the credit and who was credited unexpectedly.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"

	"vpn-service/internal/config"
	"vpn-service/internal/database"
	"vpn-service/internal/points"
)

func main() {
	ledger := flag.Bool("ledger", false, "run the whole-table balance-vs-ledger invariant check instead of a campaign check")
	listPath := flag.String("list", "", "path to a file of telegram user IDs, one per line")
	reason := flag.String("reason", database.PointsReasonAdminGrant, "points_transactions.reason to match")
	source := flag.String("source", points.PointsSourceAdmin, "points_transactions.source to match")
	campaign := flag.String("campaign", "", "meta->>'campaign' tag to match")
	delta := flag.Int64("delta", 0, "expected points_transactions.delta for a match")
	flag.Parse()

	if !*ledger && (*listPath == "" || *campaign == "" || *delta == 0) {
		fmt.Fprintln(os.Stderr, "usage: reconcile -ledger | -list=<path> -campaign=<name> -delta=<n> [-reason=...] [-source=...]")
		os.Exit(2)
	}

	config.InitConfig()

	ctx := context.Background()
	pool, err := pgxpool.Connect(ctx, config.DatabaseURL())
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	pointsRepo := database.NewPointsRepository(pool)

	if *ledger {
		runLedgerCheck(ctx, pointsRepo)
		return
	}

	expectedIDs, err := readUserIDs(*listPath)
	if err != nil {
		log.Fatalf("read user id list: %v", err)
	}

	report, err := points.ReconcileCampaign(ctx, pointsRepo, expectedIDs, *reason, *source, *campaign, *delta)
	if err != nil {
		log.Fatalf("reconcile campaign: %v", err)
	}

	fmt.Printf("Campaign: %s\n", report.Campaign)
	fmt.Printf("Expected: %d\n", report.Expected)
	fmt.Printf("Credited: %d\n", report.Credited)
	if len(report.MissingUsers) > 0 {
		fmt.Printf("\nExpected but not credited (%d):\n", len(report.MissingUsers))
		for _, id := range report.MissingUsers {
			fmt.Printf("  %d\n", id)
		}
	}
	if len(report.ExtraUsers) > 0 {
		fmt.Printf("\nCredited but not expected (%d):\n", len(report.ExtraUsers))
		for _, id := range report.ExtraUsers {
			fmt.Printf("  %d\n", id)
		}
	}
	if len(report.MissingUsers) == 0 {
		fmt.Printf("\nOK: all %d users credited.\n", report.Expected)
	} else {
		fmt.Printf("\nFAIL: %d users missing credit.\n", len(report.MissingUsers))
		os.Exit(1)
	}
}

// runLedgerCheck runs the whole-table invariant from check_bonus_points.py:
// every user_points.balance must equal Σ points_transactions.delta.
func runLedgerCheck(ctx context.Context, pointsRepo *database.PointsRepository) {
	reconciler := points.NewReconciler(pointsRepo)
	mismatches, err := reconciler.CheckBalances(ctx)
	if err != nil {
		log.Fatalf("check balances: %v", err)
	}
	if len(mismatches) == 0 {
		fmt.Println("OK: every balance matches its ledger sum.")
		return
	}
	fmt.Printf("FAIL: %d balance mismatches:\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Printf("  user %d: stored=%d ledger_sum=%d\n", m.TelegramUserID, m.StoredBalance, m.LedgerSum)
	}
	os.Exit(1)
}

func readUserIDs(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse line %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
