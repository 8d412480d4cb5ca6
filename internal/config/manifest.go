package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// HostFacts are the values substituted into manifest_url_template.
type HostFacts struct {
	OS       string
	Arch     string
	Platform string
}

// DetectHostFacts reads the OS family and platform from gopsutil, falling
// back to the runtime values when host information is unavailable.
func DetectHostFacts() HostFacts {
	facts := HostFacts{OS: runtime.GOOS, Arch: runtime.GOARCH, Platform: runtime.GOOS}
	info, err := host.Info()
	if err != nil {
		log.Debug("host info unavailable", "error", err)
		return facts
	}
	if info.OS != "" {
		facts.OS = info.OS
	}
	if info.KernelArch != "" {
		facts.Arch = normalizeArch(info.KernelArch)
	}
	if info.Platform != "" {
		facts.Platform = info.Platform
	}
	return facts
}

func normalizeArch(a string) string {
	switch strings.ToLower(a) {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "i386", "i686", "x86":
		return "386"
	}
	return strings.ToLower(a)
}

// ResolveManifestURL fills the {os}, {arch}, {platform} and {channel}
// placeholders of the configured template. It is evaluated once at startup.
func (c *Config) ResolveManifestURL(facts HostFacts) (string, error) {
	r := strings.NewReplacer(
		"{os}", url.PathEscape(facts.OS),
		"{arch}", url.PathEscape(facts.Arch),
		"{platform}", url.PathEscape(facts.Platform),
		"{channel}", url.PathEscape(c.UpdateChannel),
	)
	resolved := r.Replace(c.ManifestURLTemplate)
	if strings.ContainsAny(resolved, "{}") {
		return "", fmt.Errorf("manifest_url_template has unknown placeholder: %s", resolved)
	}
	if err := checkHTTPURL(resolved); err != nil {
		return "", fmt.Errorf("manifest url: %w", err)
	}
	return resolved, nil
}
