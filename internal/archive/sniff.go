package archive

import (
	"bytes"
	"strings"
)

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magic7z       = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicUstar    = []byte("ustar")
)

// Sniff detects the container format from its leading bytes.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicZip), bytes.HasPrefix(data, magicZipEmpty):
		return FormatZip
	case bytes.HasPrefix(data, magic7z):
		return Format7z
	case bytes.HasPrefix(data, magicGzip):
		return FormatTarGz
	case len(data) >= 262 && bytes.Equal(data[257:262], magicUstar):
		return FormatTar
	}
	return FormatUnknown
}

// FormatFromName guesses the format from a file name extension.
func FormatFromName(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".7z"):
		return Format7z
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	}
	return FormatUnknown
}

// IsArchiveName reports whether name carries a supported archive extension.
func IsArchiveName(name string) bool {
	return FormatFromName(name) != FormatUnknown
}
