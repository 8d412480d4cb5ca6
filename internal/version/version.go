// Package version parses remote package manifests and decides whether an
// update is warranted.
package version

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

// Version is the ordered tuple (major, minor, build, revision).
type Version [4]int

// ParseVersion parses "1.2.3.4". Missing trailing components are zero.
func ParseVersion(s string) (Version, error) {
	var v Version
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return v, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return v, fmt.Errorf("version %q has more than 4 components", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version %q: component %d is not a non-negative integer", s, i+1)
		}
		v[i] = n
	}
	return v, nil
}

// MustParse is ParseVersion for constants; it panics on error.
func MustParse(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// Less orders versions lexicographically.
func (v Version) Less(o Version) bool {
	for i := range v {
		if v[i] != o[i] {
			return v[i] < o[i]
		}
	}
	return false
}

// Manifest is the remote description of the latest package.
type Manifest struct {
	Version Version
	URL     string
	MD5     string
}

// Resolution is the outcome of Compare.
type Resolution struct {
	UpdateAvailable bool
	// Remote is set when UpdateAvailable.
	Remote Version
}

// UpToDate is the no-op resolution.
var UpToDate = Resolution{}

// Compare returns UpdateAvailable only when remote is strictly newer.
func Compare(local, remote Version) Resolution {
	if local.Less(remote) {
		return Resolution{UpdateAvailable: true, Remote: remote}
	}
	return UpToDate
}

var md5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// rawManifest uses pointers so that absent fields are detectable.
type rawManifest struct {
	Major    *int    `json:"major"`
	Minor    *int    `json:"minor"`
	Build    *int    `json:"build"`
	Revision *int    `json:"revision"`
	URL      *string `json:"url"`
	MD5      *string `json:"md5"`
}

// ParseManifest decodes the manifest endpoint body. Any missing or invalid
// field yields a ManifestParse failure and a zero Manifest.
func ParseManifest(raw []byte) (Manifest, error) {
	var rm rawManifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&rm); err != nil {
		return Manifest{}, failure.ManifestParse("invalid manifest JSON", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Manifest{}, failure.ManifestParse("unexpected data after manifest object", err)
	}

	components := []struct {
		name string
		val  *int
	}{
		{"major", rm.Major},
		{"minor", rm.Minor},
		{"build", rm.Build},
		{"revision", rm.Revision},
	}
	var v Version
	for i, c := range components {
		if c.val == nil {
			return Manifest{}, failure.ManifestParse(fmt.Sprintf("missing field %q", c.name), nil)
		}
		if *c.val < 0 {
			return Manifest{}, failure.ManifestParse(fmt.Sprintf("field %q is negative", c.name), nil)
		}
		v[i] = *c.val
	}

	if rm.URL == nil || strings.TrimSpace(*rm.URL) == "" {
		return Manifest{}, failure.ManifestParse(`missing field "url"`, nil)
	}
	u, err := url.Parse(*rm.URL)
	if err != nil {
		return Manifest{}, failure.ManifestParse("malformed url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Manifest{}, failure.ManifestParse(fmt.Sprintf("url %q is not an absolute http(s) URL", *rm.URL), nil)
	}

	if rm.MD5 == nil || !md5Pattern.MatchString(*rm.MD5) {
		return Manifest{}, failure.ManifestParse(`missing or malformed field "md5"`, nil)
	}

	return Manifest{
		Version: v,
		URL:     u.String(),
		MD5:     strings.ToLower(*rm.MD5),
	}, nil
}

// VerifyMD5 checks the file at path against the manifest checksum.
func VerifyMD5(path, expected string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return errors.Wrapf(err, "hash %s", path)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return errors.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
