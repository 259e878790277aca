package types

import (
	"strings"
	"unicode/utf8"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

// ValidateVolumeName enforces spec.md §3/§6: UTF-8, 2..255 bytes, must not
// start with '.'.
func ValidateVolumeName(name string) error {
	if !utf8.ValidString(name) {
		return hferr.New(hferr.EINVAL, "volume name is not valid UTF-8")
	}
	n := len(name)
	if n < MinVolumeNameLen || n > MaxVolumeNameLen {
		return hferr.Newf(hferr.EINVAL, "volume name length %d out of range [%d,%d]", n, MinVolumeNameLen, MaxVolumeNameLen)
	}
	if strings.HasPrefix(name, ".") {
		return hferr.New(hferr.EINVAL, "volume name must not start with '.'")
	}
	return nil
}

// ValidateFileName enforces the 1..1024 byte limit from spec.md §6.
func ValidateFileName(name string) error {
	if !utf8.ValidString(name) {
		return hferr.New(hferr.EINVAL, "file name is not valid UTF-8")
	}
	n := len(name)
	if n < MinFileNameLen || n > MaxFileNameLen {
		return hferr.Newf(hferr.EINVAL, "file name length %d out of range [%d,%d]", n, MinFileNameLen, MaxFileNameLen)
	}
	return nil
}

// ValidateRevsKept enforces the 1..16 revision limit.
func ValidateRevsKept(n int) error {
	if n < MinRevsKept || n > MaxRevsKept {
		return hferr.Newf(hferr.EINVAL, "revs_kept %d out of range [%d,%d]", n, MinRevsKept, MaxRevsKept)
	}
	return nil
}

// ValidateMeta enforces the shared key/value-item limits used by both volume
// and file metadata (spec.md §6; SPEC_FULL.md §4 supplement — hashfs.c
// applies the identical bound to both paths).
func ValidateMeta(meta map[string][]byte) error {
	if len(meta) > MaxMetaItems {
		return hferr.Newf(hferr.EINVAL, "metadata has %d items, max %d", len(meta), MaxMetaItems)
	}
	for k, v := range meta {
		kl := len(k)
		if kl < MinMetaKeyLen || kl > MaxMetaKeyLen {
			return hferr.Newf(hferr.EINVAL, "metadata key %q length %d out of range [%d,%d]", k, kl, MinMetaKeyLen, MaxMetaKeyLen)
		}
		if len(v) > MaxMetaValueLen {
			return hferr.Newf(hferr.EINVAL, "metadata value for %q length %d exceeds max %d", k, len(v), MaxMetaValueLen)
		}
	}
	return nil
}

// ValidateMetaKey enforces the single-key-length bound ValidateMeta applies
// item-by-item, for callers (e.g. putfile_putmeta) that set one key at a time.
func ValidateMetaKey(key string) error {
	kl := len(key)
	if kl < MinMetaKeyLen || kl > MaxMetaKeyLen {
		return hferr.Newf(hferr.EINVAL, "metadata key %q length %d out of range [%d,%d]", key, kl, MinMetaKeyLen, MaxMetaKeyLen)
	}
	return nil
}
