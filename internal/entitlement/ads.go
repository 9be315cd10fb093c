package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mealcredits/internal/models"
)

// ErrAdLoadFailed means the ad provider could not serve an ad, as opposed to
// the user dismissing one.
var ErrAdLoadFailed = errors.New("rewarded ad failed to load")

// AdViewer shows one rewarded ad. It returns true when the reward was earned
// and false, nil when the user cancelled.
type AdViewer interface {
	ShowRewardedAd(ctx context.Context) (bool, error)
}

// AdPrompter asks the user whether to continue between sequential ads.
type AdPrompter interface {
	ContinueAfterAd(ctx context.Context, watched, required int) bool
}

// AdOutcome is what a native client observed for one ad view.
type AdOutcome string

const (
	AdCompleted  AdOutcome = "completed"
	AdCancelled  AdOutcome = "cancelled"
	AdLoadFailed AdOutcome = "load_failed"
)

func ParseAdOutcome(raw string) (AdOutcome, error) {
	switch o := AdOutcome(strings.ToLower(strings.TrimSpace(raw))); o {
	case AdCompleted, AdCancelled, AdLoadFailed:
		return o, nil
	default:
		return "", fmt.Errorf("unknown ad outcome %q", raw)
	}
}

// ReplayAdViewer replays outcomes reported by a client, in order. Asking for
// more ads than were reported counts as a cancellation.
type ReplayAdViewer struct {
	outcomes []AdOutcome
	next     int
}

func NewReplayAdViewer(outcomes []AdOutcome) *ReplayAdViewer {
	return &ReplayAdViewer{outcomes: outcomes}
}

func (r *ReplayAdViewer) ShowRewardedAd(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if r.next >= len(r.outcomes) {
		return false, nil
	}
	o := r.outcomes[r.next]
	r.next++
	switch o {
	case AdCompleted:
		return true, nil
	case AdLoadFailed:
		return false, ErrAdLoadFailed
	default:
		return false, nil
	}
}

// ContinueAfterAd continues only when the client reported another view.
func (r *ReplayAdViewer) ContinueAfterAd(_ context.Context, watched, _ int) bool {
	return watched < len(r.outcomes)
}

// AdsRequired is the number of rewarded ads a native generation of kind costs.
func AdsRequired(kind models.Kind) int {
	if kind == models.KindSevenDayPlan {
		return 2
	}
	return 1
}
