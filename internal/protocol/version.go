package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^(?:version|vers|ver|v)*\s*\.*\s*([0-9.]*)\s*-?\s*((?:alpha|beta|dev|rc|post|a|b|release)+[0-9]*)?\s*.*$`)

// NormalizeVersion cleans a firmware version string as reported by the
// charger ("V40.7", "40.x-beta2 (build 3)") into "40.7" / "40.0beta2".
func NormalizeVersion(v string) string {
	c := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "x", "0")
	m := versionPattern.FindStringSubmatch(c)
	if m == nil {
		return c
	}
	return strings.Trim(m[1], ".") + m[2]
}

// CompareVersions compares two firmware versions after normalization.
// It returns -1, 0 or 1. A release sorts after its pre-releases.
func CompareVersions(a, b string) int {
	na, sa := splitVersion(NormalizeVersion(a))
	nb, sb := splitVersion(NormalizeVersion(b))
	for i := 0; i < len(na) || i < len(nb); i++ {
		var x, y int
		if i < len(na) {
			x = na[i]
		}
		if i < len(nb) {
			y = nb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case sa == sb:
		return 0
	case sa == "":
		return 1
	case sb == "":
		return -1
	case sa < sb:
		return -1
	default:
		return 1
	}
}

func splitVersion(v string) ([]int, string) {
	end := 0
	for end < len(v) && (v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	var nums []int
	for _, part := range strings.Split(strings.Trim(v[:end], "."), ".") {
		if part == "" {
			continue
		}
		n, _ := strconv.Atoi(part)
		nums = append(nums, n)
	}
	return nums, v[end:]
}
