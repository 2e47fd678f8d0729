package catalog

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version is a parsed NuGet package version: up to four numeric parts,
// optional dot-separated release labels and optional build metadata.
type Version struct {
	Major, Minor, Patch, Revision int64
	Release                       []string
	Metadata                      string
}

func ParseVersion(s string) (Version, error) {
	var v Version
	rest := strings.TrimSpace(s)
	if i := strings.IndexByte(rest, '+'); i >= 0 {
		v.Metadata = rest[i+1:]
		rest = rest[:i]
		if v.Metadata == "" {
			return v, errors.Errorf("catalog: bad version %q", s)
		}
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		v.Release = strings.Split(rest[i+1:], ".")
		rest = rest[:i]
		for _, label := range v.Release {
			if label == "" {
				return v, errors.Errorf("catalog: bad version %q", s)
			}
		}
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return v, errors.Errorf("catalog: bad version %q", s)
	}
	nums := []*int64{&v.Major, &v.Minor, &v.Patch, &v.Revision}
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return v, errors.Errorf("catalog: bad version %q", s)
		}
		*nums[i] = n
	}
	return v, nil
}

// String is the normalized form: no metadata, no leading zeros, at least
// three numeric parts and the fourth only when it is not zero.
func (v Version) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(v.Major, 10))
	sb.WriteByte('.')
	sb.WriteString(strconv.FormatInt(v.Minor, 10))
	sb.WriteByte('.')
	sb.WriteString(strconv.FormatInt(v.Patch, 10))
	if v.Revision != 0 {
		sb.WriteByte('.')
		sb.WriteString(strconv.FormatInt(v.Revision, 10))
	}
	if len(v.Release) > 0 {
		sb.WriteByte('-')
		sb.WriteString(strings.Join(v.Release, "."))
	}
	return sb.String()
}

func (v Version) IsPrerelease() bool {
	return len(v.Release) > 0
}

// IsSemVer2 reports dotted release labels or build metadata.
func (v Version) IsSemVer2() bool {
	return len(v.Release) > 1 || v.Metadata != ""
}

// Compare orders versions the NuGet way. Numeric parts come first and a
// stable version sorts after its prereleases. Labels compare without case,
// numeric labels below alphanumeric ones. Metadata is ignored.
func (v Version) Compare(o Version) int {
	for _, d := range [][2]int64{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}, {v.Revision, o.Revision}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(v.Release) == 0 && len(o.Release) == 0:
		return 0
	case len(v.Release) == 0:
		return 1
	case len(o.Release) == 0:
		return -1
	}
	for i := 0; i < len(v.Release) && i < len(o.Release); i++ {
		if c := compareLabel(v.Release[i], o.Release[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(v.Release) < len(o.Release):
		return -1
	case len(v.Release) > len(o.Release):
		return 1
	}
	return 0
}

func compareLabel(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// NormalizeVersion returns the normalized form of s, keeping the case of
// release labels.
func NormalizeVersion(s string) (string, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// LowerNormalizedVersion is the version part of a package identity.
func LowerNormalizedVersion(s string) (string, error) {
	n, err := NormalizeVersion(s)
	return strings.ToLower(n), err
}
