package registry

import (
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// architectureNames maps host architecture names to the OCI image spec
// vocabulary. Unmapped names pass through unchanged.
var architectureNames = map[string]string{
	"x64":     "amd64",
	"x86_64":  "amd64",
	"x86-64":  "amd64",
	"aarch64": "arm64",
	"armhf":   "arm",
}

// osNames maps host operating system names to the OCI image spec
// vocabulary. Unmapped names pass through unchanged.
var osNames = map[string]string{
	"win32": "windows",
	"macos": "darwin",
	"osx":   "darwin",
}

// NormalizeArchitecture converts a host architecture name to its OCI name.
func NormalizeArchitecture(arch string) string {
	if mapped, ok := architectureNames[arch]; ok {
		return mapped
	}
	return arch
}

// NormalizeOS converts a host operating system name to its OCI name.
func NormalizeOS(os string) string {
	if mapped, ok := osNames[os]; ok {
		return mapped
	}
	return os
}

// SelectPlatformManifest returns the first index entry whose platform
// matches the given host architecture and operating system exactly, after
// normalizing both to the OCI vocabulary. The second return value is false
// when no entry matches; a missing platform is a caller-visible absence,
// not an error.
func SelectPlatformManifest(index *ociImageSpecV1.Index, arch, os string) (ociImageSpecV1.Descriptor, bool) {
	arch = NormalizeArchitecture(arch)
	os = NormalizeOS(os)

	for _, entry := range index.Manifests {
		if entry.Platform == nil {
			continue
		}
		if entry.Platform.Architecture == arch && entry.Platform.OS == os {
			return entry, true
		}
	}
	return ociImageSpecV1.Descriptor{}, false
}
