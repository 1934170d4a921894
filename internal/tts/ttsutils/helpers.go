// Package ttsutils provides naming, file, and formatting helpers for voiceover sources
// and the audio files written from them.
package ttsutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Common path constants.
const (
	defaultDirPermissions  = 0o750
	dot                    = "."
	invalidCharReplacement = "_"
	chunkSuffixFormat      = "%s_chunk_%04d%s"
	displayNameMaxRunes    = 48
	ellipsis               = "..."
	untitled               = "Untitled voiceover"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
)

// File extension constants.
const (
	extAAC  = ".aac"
	extFLAC = ".flac"
	extMD   = ".md"
	extMP3  = ".mp3"
	extOGG  = ".ogg"
	extTEXT = ".text"
	extTXT  = ".txt"
	extWAV  = ".wav"
	extPCM  = ".pcm"
	extBin  = ".bin"
)

const errFmtFailedToCreateDir = "failed to create directory %s: %w"

var mediaTypeExtensions = map[string]string{
	"audio/mpeg":  extMP3,
	"audio/mp3":   extMP3,
	"audio/wav":   extWAV,
	"audio/wave":  extWAV,
	"audio/x-wav": extWAV,
	"audio/flac":  extFLAC,
	"audio/ogg":   extOGG,
	"audio/aac":   extAAC,
	"audio/pcm":   extPCM,
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// FormatDuration formats a duration in a human-readable string (e.g., "1h 15m", "5m
// 30.5s", "45.2s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatFileSize formats a file size in a human-readable string (e.g., "1.2 GB", "500.5
// MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// IsValidTextFile reports whether filename looks like a plain-text script source.
func IsValidTextFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extTXT, extMD, extTEXT:
		return true
	default:
		return false
	}
}

// ExtensionFor maps an audio media type to a file extension, parameters ignored.
func ExtensionFor(mediaType string) string {
	base, _, _ := strings.Cut(mediaType, ";")

	ext, ok := mediaTypeExtensions[strings.ToLower(strings.TrimSpace(base))]
	if !ok {
		return extBin
	}

	return ext
}

// ChunkFilename names the file for the 1-based chunk index of base.
func ChunkFilename(base string, index int, ext string) string {
	return fmt.Sprintf(chunkSuffixFormat, base, index, ext)
}

// DisplayName derives a human-readable title for a voiceover. The source name wins, minus
// its extension; otherwise the opening words of the script are used.
func DisplayName(sourceName, script string) string {
	if name := strings.TrimSpace(sourceName); name != "" {
		name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
		name = strings.Join(strings.FieldsFunc(name, isNameSeparator), " ")

		if name != "" {
			return truncate(name)
		}
	}

	words := strings.Join(strings.Fields(script), " ")
	if words == "" {
		return untitled
	}

	return truncate(words)
}

// SanitizeFilename removes or replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	sanitized := strings.TrimSpace(replacer.Replace(filename))
	sanitized = strings.Trim(sanitized, dot)

	if sanitized == "" {
		return invalidCharReplacement
	}

	return sanitized
}

func isNameSeparator(r rune) bool {
	return r == '_' || r == '-' || unicode.IsSpace(r)
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= displayNameMaxRunes {
		return text
	}

	return strings.TrimSpace(string(runes[:displayNameMaxRunes-len(ellipsis)])) + ellipsis
}
