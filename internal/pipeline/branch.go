// Package pipeline implements the triage, rebase and backport controllers:
// queue consumers that rebuild state from a dequeued task and drive it
// through a workflow.
package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"jotnar/internal/queue"
	"jotnar/internal/schema"
)

var fixVersionRe = regexp.MustCompile(`^rhel-(\d+)\.(\d+)(\.z)?$`)

// fusaBranchRe matches target branches whose packages fall under
// functional-safety review.
var fusaBranchRe = regexp.MustCompile(`^c9s$|^rhel-9\.([0-9]|10)\.0$`)

// MapTargetBranch maps an issue's fix version to the dist-git branch the
// update lands on. It is a pure function of its inputs:
//
//   - fix version rhel-N.M or rhel-N.M.z where the CVE needs an internal fix
//     and the Y-stream branch exists: the Y-stream branch rhel-N.M, with a
//     ".0" suffix for majors below 10.
//   - fix version rhel-N.M.z where the package has the internal branch: that
//     internal branch.
//   - otherwise the public stream branch cNs.
func MapTargetBranch(fixVersion string, needsInternalFix bool, internalBranches []string) (string, error) {
	m := fixVersionRe.FindStringSubmatch(strings.TrimSpace(fixVersion))
	if m == nil {
		return "", fmt.Errorf("unrecognized fix version %q", fixVersion)
	}
	major, _ := strconv.Atoi(m[1])
	zstream := m[3] == ".z"

	candidate := fmt.Sprintf("rhel-%s.%s", m[1], m[2])
	if major < 10 {
		candidate += ".0"
	}

	has := func(branch string) bool {
		for _, b := range internalBranches {
			if b == branch {
				return true
			}
		}
		return false
	}

	if needsInternalFix && has(candidate) {
		return candidate, nil
	}
	if zstream && has(candidate) {
		return candidate, nil
	}
	return fmt.Sprintf("c%ds", major), nil
}

var branchMajorRe = regexp.MustCompile(`^(?:c(\d+)s|rhel-(\d+)\.)`)

// QueueForBranch routes a resolution to the per-stream work queue matching
// the target branch's major version.
func QueueForBranch(resolution schema.Resolution, branch string) (string, error) {
	m := branchMajorRe.FindStringSubmatch(branch)
	if m == nil {
		return "", fmt.Errorf("cannot derive stream from branch %q", branch)
	}
	major := m[1]
	if major == "" {
		major = m[2]
	}

	switch resolution {
	case schema.ResolutionRebase:
		switch major {
		case "9":
			return queue.RebaseC9s, nil
		case "10":
			return queue.RebaseC10s, nil
		}
	case schema.ResolutionBackport:
		switch major {
		case "9":
			return queue.BackportC9s, nil
		case "10":
			return queue.BackportC10s, nil
		}
	default:
		return "", fmt.Errorf("resolution %s has no branch queue", resolution)
	}
	return "", fmt.Errorf("no %s queue for stream %s (branch %q)", resolution, major, branch)
}

// IsFuSaBranch reports whether a target branch is under functional-safety
// review rules.
func IsFuSaBranch(branch string) bool {
	return fusaBranchRe.MatchString(branch)
}
