package points

import (
	"context"
	"fmt"

	"vpn-service/internal/database"
)

// ReferralInfo is the summary shown to a user in their referral-program
// screen: their own invite code plus how many people they have brought in,
// broken down by hop level and by how many of those have ever paid.
type ReferralInfo struct {
	Code          string
	InvitedByLevel map[int]int
	PaidByLevel    map[int]int
}

// GetOrCreateReferralCode returns the user's existing active referral code,
// synthesizing one as REF<tg_id> (with a numeric suffix on collision, which
// only happens if a previous code for this user was deactivated and a new
// one had to be minted) if none exists yet.
func GetOrCreateReferralCode(ctx context.Context, repo *database.ReferralRepository, tgUserID int64) (string, error) {
	existing, err := repo.GetActiveCodeForReferrer(ctx, nil, tgUserID)
	if err != nil {
		return "", fmt.Errorf("load existing code: %w", err)
	}
	if existing != nil {
		return existing.Code, nil
	}

	base := fmt.Sprintf("REF%d", tgUserID)
	code := base
	for suffix := 0; ; suffix++ {
		if suffix > 0 {
			code = fmt.Sprintf("%s%d", base, suffix)
		}
		taken, err := repo.CodeExists(ctx, nil, code)
		if err != nil {
			return "", fmt.Errorf("check code collision: %w", err)
		}
		if !taken {
			break
		}
	}

	if err := repo.InsertCode(ctx, nil, code, tgUserID); err != nil {
		return "", fmt.Errorf("insert referral code: %w", err)
	}
	return code, nil
}

// GetReferralInfo assembles the full referral-program summary for a user.
func GetReferralInfo(ctx context.Context, repo *database.ReferralRepository, tgUserID int64) (*ReferralInfo, error) {
	code, err := GetOrCreateReferralCode(ctx, repo, tgUserID)
	if err != nil {
		return nil, err
	}
	invited, paid, err := repo.CountDownline(ctx, nil, tgUserID, MaxReferralLevels)
	if err != nil {
		return nil, fmt.Errorf("count downline: %w", err)
	}
	return &ReferralInfo{Code: code, InvitedByLevel: invited, PaidByLevel: paid}, nil
}

// RegisterReferralStart processes a /start <code> deep link: resolves the
// code to its owner, rejects self-referral and referrer profiles blocked
// from the program, and records the referral as first-write-wins.
func RegisterReferralStart(ctx context.Context, repo *database.ReferralRepository, newUserID int64, code string) error {
	referrerID, err := repo.FindReferrerByCode(ctx, nil, code)
	if err != nil {
		return fmt.Errorf("resolve referral code: %w", err)
	}
	if referrerID == nil {
		return nil
	}
	if *referrerID == newUserID {
		return nil
	}

	profile, err := repo.GetProfile(ctx, nil, *referrerID)
	if err != nil {
		return fmt.Errorf("load referrer profile: %w", err)
	}
	if profile.IsReferralBlocked || profile.IsBanned {
		return nil
	}

	existing, err := repo.GetReferrerOf(ctx, nil, newUserID)
	if err != nil {
		return fmt.Errorf("check existing referral: %w", err)
	}
	if existing != nil {
		return nil
	}

	return repo.RegisterReferral(ctx, nil, newUserID, *referrerID)
}
