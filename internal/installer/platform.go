package installer

import (
	"runtime"
	"strings"
)

// Architecture spellings treated as equal in platform keys. The first entry
// is the one PlatformKey emits.
var archAliases = [][]string{
	{"x86_64", "amd64"},
	{"arm64", "aarch64"},
	{"x86", "386", "i386"},
}

// PlatformKey returns the variant key of the running platform, e.g.
// "linux-x86_64" or "darwin-arm64".
func PlatformKey() string {
	return platformKey(runtime.GOOS, runtime.GOARCH)
}

func platformKey(goos, goarch string) string {
	return goos + "-" + canonicalArch(goarch)
}

func canonicalArch(arch string) string {
	arch = strings.ToLower(arch)
	for _, group := range archAliases {
		for _, alias := range group {
			if arch == alias {
				return group[0]
			}
		}
	}
	return arch
}

// CanonicalPlatform normalizes the architecture spelling of key.
func CanonicalPlatform(key string) string {
	osName, arch, ok := strings.Cut(strings.ToLower(key), "-")
	if !ok {
		return strings.ToLower(key)
	}
	return osName + "-" + canonicalArch(arch)
}

// samePlatform reports whether two keys name the same platform.
func samePlatform(a, b string) bool {
	return CanonicalPlatform(a) == CanonicalPlatform(b)
}
