package points

import (
	"context"
	"fmt"

	"vpn-service/internal/database"
)

// CampaignReport compares a target list of telegram user IDs against who
// has actually been credited for a bulk points campaign, surfacing anyone
// missed by a broadcast/grant run.
type CampaignReport struct {
	Campaign     string
	Expected     int
	Credited     int
	MissingUsers []int64
	ExtraUsers   []int64
}

// ReconcileCampaign checks that every ID in expectedUserIDs has been
// credited delta points for reason/source tagged with this campaign name,
// reporting any gaps. Grounded on the operational spot-check that compares
// a broadcast recipient list against points_transactions after a bulk grant.
func ReconcileCampaign(ctx context.Context, repo *database.PointsRepository, expectedUserIDs []int64, reason, source, campaign string, delta int64) (*CampaignReport, error) {
	credited, err := repo.ListCreditedForCampaign(ctx, nil, reason, source, campaign, delta)
	if err != nil {
		return nil, fmt.Errorf("list credited users: %w", err)
	}

	creditedSet := make(map[int64]struct{}, len(credited))
	for _, id := range credited {
		creditedSet[id] = struct{}{}
	}
	expectedSet := make(map[int64]struct{}, len(expectedUserIDs))
	for _, id := range expectedUserIDs {
		expectedSet[id] = struct{}{}
	}

	report := &CampaignReport{
		Campaign: campaign,
		Expected: len(expectedUserIDs),
		Credited: len(credited),
	}
	for _, id := range expectedUserIDs {
		if _, ok := creditedSet[id]; !ok {
			report.MissingUsers = append(report.MissingUsers, id)
		}
	}
	for _, id := range credited {
		if _, ok := expectedSet[id]; !ok {
			report.ExtraUsers = append(report.ExtraUsers, id)
		}
	}
	return report, nil
}

// Reconciler runs the ledger-wide invariant check carried forward from
// check_bonus_points.py: for every telegram_user_id, balance must equal
// Σ delta. It is the standalone check run by cmd/reconcile, independent of
// any single campaign.
type Reconciler struct {
	pointsRepo *database.PointsRepository
}

func NewReconciler(pointsRepo *database.PointsRepository) *Reconciler {
	return &Reconciler{pointsRepo: pointsRepo}
}

// CheckBalances returns every user whose stored balance disagrees with the
// sum of their ledger entries. An empty, non-nil slice means the invariant
// holds for the whole table.
func (r *Reconciler) CheckBalances(ctx context.Context) ([]database.BalanceMismatch, error) {
	mismatches, err := r.pointsRepo.ListBalanceMismatches(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list balance mismatches: %w", err)
	}
	if mismatches == nil {
		mismatches = []database.BalanceMismatch{}
	}
	return mismatches, nil
}
