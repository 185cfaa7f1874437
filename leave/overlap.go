package leave

import "github.com/warp/leave-engine/generic"

// CheckOverlap returns an *generic.OverlapError when period intersects any
// active request of userID other than excludeID. Comparison is by calendar
// day only; clock times are ignored.
func CheckOverlap(requests []Request, userID string, period generic.Period, excludeID string) error {
	for _, r := range requests {
		if r.UserID != userID || r.ID == excludeID || !r.Status.IsActive() {
			continue
		}
		if period.Overlaps(r.Period()) {
			return &generic.OverlapError{
				UserID:        userID,
				ConflictingID: r.ID,
				Period:        r.Period(),
			}
		}
	}
	return nil
}
