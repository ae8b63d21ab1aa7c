package remediation

import (
	"fmt"
	"strings"

	"github.com/remflow/remflow/pkg/models"
)

// MACD eligibility thresholds. A basket younger than MaxBasketAgeDays may be
// an active customer journey and blocks remediation.
const MaxBasketAgeDays = 60

// Baskets in these stages are being actively worked and always block.
var sensitiveStages = map[string]bool{
	"Order Enrichment": true,
	"Submitted":        true,
}

// ShouldSkipMACD decides whether in-flight MACD activity makes a solution
// ineligible for remediation.
//
// Rules:
//   - no MACD activity: proceed
//   - any basket in a sensitive stage: skip
//   - any basket younger than MaxBasketAgeDays: skip
//   - MACD exists but basket details are missing: skip, we cannot tell
//
// Malformed or absent MACD payloads decode to nil and fail open.
func ShouldSkipMACD(info *models.SolutionInfo) (bool, string) {
	if info == nil || !info.MACDDetails.Exists() {
		return false, ""
	}

	baskets := info.MACDDetails.BasketDetails
	if len(baskets) == 0 {
		return true, "MACD exists but no basket details available - skipping for safety"
	}

	var stages []string
	for _, b := range baskets {
		if sensitiveStages[b.Stage] {
			stages = append(stages, b.Stage)
		}
	}
	if len(stages) > 0 {
		return true, fmt.Sprintf("MACD basket in sensitive stage: %s", strings.Join(stages, ", "))
	}

	youngest := -1
	for _, b := range baskets {
		if b.AgeInDays < MaxBasketAgeDays {
			if youngest < 0 || b.AgeInDays < youngest {
				youngest = b.AgeInDays
			}
		}
	}
	if youngest >= 0 {
		return true, fmt.Sprintf("MACD basket too recent (youngest: %d days, threshold: %d)",
			youngest, MaxBasketAgeDays)
	}

	return false, ""
}
