package billing

import (
	"strings"

	"github.com/ManuelReschke/billingfox/app/models"
)

const (
	intervalMonth   = "month"
	intervalYear    = "year"
	intervalUnknown = "unknown"
)

func normalizeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "month", "monthly":
		return intervalMonth
	case "year", "yearly", "annual":
		return intervalYear
	default:
		return intervalUnknown
	}
}

func billingCycleFor(interval string) string {
	if normalizeInterval(interval) == intervalYear {
		return models.BillingCycleYearly
	}
	return models.BillingCycleMonthly
}

// mapProviderStatus maps the provider's subscription status onto the stored
// status. Unknown statuses are kept verbatim.
func mapProviderStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "active":
		return models.SubscriptionStatusActive
	case "canceled", "cancelled":
		return models.SubscriptionStatusCancelled
	case "past_due":
		return models.SubscriptionStatusPastDue
	default:
		return s
	}
}

func normalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}
