package scheduler

import (
	"strconv"
	"strings"

	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/ingest"
)

// phoneKeys are the row variables searched for the destination, in order.
var phoneKeys = []string{"primaryPhone", "phone", "phoneNumber", "mobile", "cell"}

// ResolvePhone returns the first non-empty phone variable.
func ResolvePhone(vars map[string]string) (string, bool) {
	for _, k := range phoneKeys {
		if v := strings.TrimSpace(vars[k]); v != "" {
			return v, true
		}
	}
	return "", false
}

// E164 formats a row phone for the provider. National numbers are read in
// ingest.DefaultPhoneRegion; unparseable input is passed through unchanged.
func E164(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	out, err := ingest.FormatE164(phone)
	if err != nil {
		return phone
	}
	return out
}

// BuildVariables merges row variables with run and organization context.
// Every value is a string; context keys win over row variables of the same name.
func BuildVariables(row campaign.Row, run campaign.Run, org campaign.Organization, attempt int) map[string]string {
	out := make(map[string]string, len(row.Variables)+7)
	for k, v := range row.Variables {
		out[k] = v
	}
	out["organizationName"] = org.Name
	out["campaignName"] = run.Name
	out["customPrompt"] = run.Config.CustomPrompt
	out["retryCount"] = strconv.Itoa(row.RetryCount)
	out["attempt"] = strconv.Itoa(attempt)
	out["runId"] = run.ID
	out["rowId"] = row.ID
	return out
}
