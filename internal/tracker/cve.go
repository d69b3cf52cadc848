package tracker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"jotnar/internal/schema"
)

// Labels the security workflow stamps on flaw tickets.
const (
	securityTrackingLabel = "SecurityTracking"
	embargoedLabel        = "EmbargoedSecurityIssue"
)

var (
	cveIDRe      = regexp.MustCompile(`\bCVE-\d{4}-\d{4,}\b`)
	fixVersionRe = regexp.MustCompile(`^rhel-(\d+)\.(\d+)(\.z)?$`)
)

// CheckCVEEligibility decides whether a ticket is a CVE and whether this
// pipeline may triage it. Y-stream CVE tickets are skipped because the fix
// lands through the matching Z-stream ticket; embargoed flaws need an
// internal fix branch.
func (c *Client) CheckCVEEligibility(ctx context.Context, key string) (*schema.CVEEligibility, error) {
	issue, err := c.GetIssue(ctx, key)
	if err != nil {
		return nil, err
	}

	elig := &schema.CVEEligibility{}
	for _, l := range issue.Labels {
		if l == securityTrackingLabel {
			elig.IsCVE = true
		}
		if l == embargoedLabel {
			elig.NeedsInternalFix = true
		}
	}
	if !elig.IsCVE && cveIDRe.MatchString(issue.Summary) {
		elig.IsCVE = true
	}

	if !elig.IsCVE {
		elig.IsEligibleForTriage = true
		elig.Reason = "not a CVE ticket"
		return elig, nil
	}

	if len(issue.FixVersions) == 0 {
		elig.Error = fmt.Sprintf("no fix version set on %s", issue.Key)
		return elig, nil
	}
	fixVersion := issue.FixVersions[0]
	m := fixVersionRe.FindStringSubmatch(strings.ToLower(fixVersion))
	if m == nil {
		elig.Error = fmt.Sprintf("unrecognized fix version %q on %s", fixVersion, issue.Key)
		return elig, nil
	}
	isZStream := m[3] != ""

	if !isZStream && !elig.NeedsInternalFix {
		elig.IsEligibleForTriage = false
		elig.Reason = "Y-stream CVEs will be handled in Z-stream"
		return elig, nil
	}

	elig.IsEligibleForTriage = true
	if elig.NeedsInternalFix {
		elig.Reason = "embargoed flaw, fix goes through the internal branch"
	} else {
		elig.Reason = "Z-stream CVE, eligible for automated triage"
	}
	return elig, nil
}
