package dispatch

import (
	"fmt"

	"github.com/openroute/gasflow/core"
)

// RoleManager is the only role allowed to skip the credit check.
const RoleManager = "manager"

// CreditDecision is the outcome of a pre-creation credit check. Gap is how
// much the order exceeds the customer's available credit.
type CreditDecision struct {
	Allowed bool
	Skipped bool
	Gap     float64
}

// CheckCredit gates order creation on the customer's credit standing. A
// manager may skip the check explicitly; anyone else requesting a skip is
// rejected outright.
func CheckCredit(c core.Customer, finalAmount float64, actorRole string, skipCreditCheck bool) (CreditDecision, error) {
	if skipCreditCheck {
		if actorRole != RoleManager {
			return CreditDecision{}, &core.DomainError{
				Op:      "dispatch.CheckCredit",
				Kind:    "authorization",
				ID:      c.ID,
				Message: fmt.Sprintf("role %q may not skip the credit check", actorRole),
				Err:     core.ErrForbidden,
			}
		}
		return CreditDecision{Allowed: true, Skipped: true}, nil
	}

	if c.IsCreditBlocked {
		return CreditDecision{Gap: finalAmount}, &core.DomainError{
			Op:      "dispatch.CheckCredit",
			Kind:    "validation",
			ID:      c.ID,
			Message: fmt.Sprintf("customer %s is credit blocked", c.Code),
			Err:     core.ErrInsufficientCredit,
		}
	}

	available := c.AvailableCredit()
	if finalAmount > available {
		gap := finalAmount - available
		return CreditDecision{Gap: gap}, &core.DomainError{
			Op:      "dispatch.CheckCredit",
			Kind:    "validation",
			ID:      c.ID,
			Message: fmt.Sprintf("credit_check_failed: order exceeds available credit by %.2f", gap),
			Err:     core.ErrInsufficientCredit,
		}
	}
	return CreditDecision{Allowed: true}, nil
}
