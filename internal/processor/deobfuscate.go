package processor

import (
	"math"
	"path/filepath"
	"strings"
	"unicode"
)

var mediaExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".m4v": true, ".ts": true, ".wmv": true,
	".mov": true, ".mpg": true, ".iso": true, ".flac": true, ".mp3": true, ".m2ts": true,
}

// entropy is the Shannon entropy of s in bits per character.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := map[rune]int{}
	n := 0
	for _, r := range s {
		counts[unicode.ToLower(r)]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// obfuscated reports whether a base name looks machine-generated: long,
// a single run of letters and many digits, with high character entropy.
func obfuscated(name string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if len(base) < 16 || strings.ContainsAny(base, " ._-()[]") {
		return false
	}
	var letters, digits int
	for _, r := range base {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	// Hex and base36 noise is at least a fifth digits; titles with a year are not.
	if letters < 2 || digits*5 < len(base) {
		return false
	}
	return entropy(base) >= 3.5
}

// deobfuscatedName picks the new name for the single large media file,
// or "" when nothing should be renamed.
func deobfuscatedName(jobName string, files []fileStat, minSize int64) (from, to string) {
	var big []fileStat
	for _, f := range files {
		if f.size >= minSize {
			big = append(big, f)
		}
	}
	if len(big) != 1 {
		return "", ""
	}
	f := big[0]
	ext := strings.ToLower(filepath.Ext(f.name))
	if !mediaExtensions[ext] || !obfuscated(f.name) {
		return "", ""
	}
	return f.name, jobName + ext
}

type fileStat struct {
	name string
	size int64
}
