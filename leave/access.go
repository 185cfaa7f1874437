package leave

import (
	"fmt"

	"github.com/warp/leave-engine/generic"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// ACCESS PREDICATES
// =============================================================================

// CanSettle reports whether u may verify overtime and settle the ledger.
func CanSettle(u User) bool {
	return u.Role == RoleAdmin || u.Role == RoleHR || u.CanReviewOvertime
}

// CanAdminister reports whether u may change configuration and act on
// other users' ledgers without owning them.
func CanAdminister(u User) bool {
	return u.Role == RoleAdmin
}

// Eligible reports whether u may apply for the category. Unknown
// categories are open to everyone.
func Eligible(u User, category Category, configured []LeaveCategory) bool {
	for _, c := range configured {
		if c.ID != category {
			continue
		}
		switch c.AllowedGender {
		case GenderMaleOnly:
			return u.Gender == GenderMale
		case GenderFemaleOnly:
			return u.Gender == GenderFemale
		}
		return true
	}
	return true
}

// DefaultLeaveCategories is the built-in category configuration.
func DefaultLeaveCategories() []LeaveCategory {
	names := map[Category]string{
		CategoryAnnual:       "Annual leave",
		CategorySick:         "Sick leave",
		CategoryPersonal:     "Personal leave",
		CategoryMenstrual:    "Menstrual leave",
		CategoryBereavement:  "Bereavement leave",
		CategoryOfficial:     "Official leave",
		CategoryOvertime:     "Overtime",
		CategoryCompensatory: "Compensatory leave",
	}
	out := make([]LeaveCategory, 0, len(Categories))
	for _, c := range Categories {
		lc := LeaveCategory{ID: c, Name: names[c], AllowedGender: GenderAll, SystemDefault: true}
		if c == CategoryMenstrual {
			lc.AllowedGender = GenderFemaleOnly
		}
		out = append(out, lc)
	}
	return out
}

// =============================================================================
// OPERATOR RE-AUTHENTICATION
// =============================================================================

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword re-authenticates an operator before a ledger settlement.
func VerifyPassword(u User, password string) error {
	if u.PasswordHash == "" {
		return fmt.Errorf("%w: %s has no password set", generic.ErrForbidden, u.ID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return fmt.Errorf("%w: password mismatch", generic.ErrForbidden)
	}
	return nil
}

// Signature builds the signature an operator stamps on ledger rows.
func Signature(u User, clock generic.Clock) AuthSignature {
	return AuthSignature{Name: u.Name, Role: u.Role, Timestamp: clock()}
}
