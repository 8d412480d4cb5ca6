package version

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/syncbridge/internal/failure"
)

func TestCompareOrdering(t *testing.T) {
	if got := Compare(Version{1, 2, 0, 0}, Version{1, 2, 0, 1}); !got.UpdateAvailable || got.Remote != (Version{1, 2, 0, 1}) {
		t.Fatalf("Compare(1.2.0.0, 1.2.0.1) = %+v, want UpdateAvailable", got)
	}
	if got := Compare(Version{2, 0, 0, 0}, Version{1, 9, 9, 9}); got.UpdateAvailable {
		t.Fatal("Compare(2.0.0.0, 1.9.9.9) should be UpToDate")
	}
	for _, v := range []Version{{0, 0, 0, 0}, {1, 2, 3, 4}, {9, 0, 0, 9}} {
		if Compare(v, v) != UpToDate {
			t.Fatalf("Compare(%s, %s) should be UpToDate", v, v)
		}
	}
	if !Compare(Version{1, 9, 9, 9}, Version{2, 0, 0, 0}).UpdateAvailable {
		t.Fatal("major bump should win over lower components")
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.4")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if v != (Version{1, 4, 0, 0}) {
		t.Fatalf("got %v", v)
	}
	if v.String() != "1.4.0.0" {
		t.Fatalf("String() = %s", v.String())
	}
	for _, bad := range []string{"", "1.x", "1.2.3.4.5", "1.-2"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Fatalf("ParseVersion(%q) should fail", bad)
		}
	}
}

func TestParseManifestValid(t *testing.T) {
	raw := []byte(`{"major":1,"minor":3,"build":0,"revision":7,"url":"https://dl.example.com/app-1.3.0.7.msi","md5":"0123456789ABCDEF0123456789abcdef"}`)
	m, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Version != (Version{1, 3, 0, 7}) {
		t.Fatalf("version = %v", m.Version)
	}
	if m.MD5 != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("md5 should be normalized to lower case, got %s", m.MD5)
	}
}

func TestParseManifestRejectsIncompleteData(t *testing.T) {
	cases := map[string]string{
		"missing revision": `{"major":1,"minor":3,"build":0,"url":"https://x/y","md5":"0123456789abcdef0123456789abcdef"}`,
		"string component": `{"major":"1","minor":3,"build":0,"revision":1,"url":"https://x/y","md5":"0123456789abcdef0123456789abcdef"}`,
		"negative":         `{"major":-1,"minor":3,"build":0,"revision":1,"url":"https://x/y","md5":"0123456789abcdef0123456789abcdef"}`,
		"relative url":     `{"major":1,"minor":3,"build":0,"revision":1,"url":"/y","md5":"0123456789abcdef0123456789abcdef"}`,
		"ftp url":          `{"major":1,"minor":3,"build":0,"revision":1,"url":"ftp://x/y","md5":"0123456789abcdef0123456789abcdef"}`,
		"bad md5":          `{"major":1,"minor":3,"build":0,"revision":1,"url":"https://x/y","md5":"nope"}`,
		"not json":         `<html>502</html>`,
		"trailing garbage": `{"major":1,"minor":3,"build":0,"revision":1,"url":"https://x/y","md5":"0123456789abcdef0123456789abcdef"}garbage`,
		"second object":    `{"major":1,"minor":3,"build":0,"revision":1,"url":"https://x/y","md5":"0123456789abcdef0123456789abcdef"} {}`,
		"stray brace":      `{"major":1,"minor":3,"build":0,"revision":1,"url":"https://x/y","md5":"0123456789abcdef0123456789abcdef"}}`,
	}
	for name, raw := range cases {
		m, err := ParseManifest([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected parse failure", name)
		}
		if !failure.Is(err, failure.KindManifestParse) {
			t.Fatalf("%s: kind = %q, want manifest_parse", name, failure.KindOf(err))
		}
		if m != (Manifest{}) {
			t.Fatalf("%s: partially populated manifest returned: %+v", name, m)
		}
	}
}

func TestVerifyMD5(t *testing.T) {
	content := []byte("installer payload")
	path := filepath.Join(t.TempDir(), "setup.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	sum := md5.Sum(content)

	if err := VerifyMD5(path, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("valid checksum should pass: %v", err)
	}
	if err := VerifyMD5(path, "00000000000000000000000000000000"); err == nil {
		t.Fatal("invalid checksum should fail")
	}
	if err := VerifyMD5(filepath.Join(t.TempDir(), "missing"), "abc"); err == nil {
		t.Fatal("missing file should fail")
	}
}
