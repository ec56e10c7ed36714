package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".webm": true, ".m4v": true, ".flv": true, ".wmv": true,
}

// AllowedVideo reports whether the filename has a supported video extension.
func AllowedVideo(filename string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(filename))]
}

// SanitizeFilename keeps only the base name and replaces unsafe characters.
func SanitizeFilename(filename string) string {
	safe := filepath.Base(filename)
	safe = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, safe)
	if safe == "" || safe == "." || safe == ".." || strings.Trim(safe, "_.") == "" {
		safe = "upload.mp4"
	}
	return safe
}

// SaveUpload writes an uploaded video into dir as "<prefix>_<safe name>". On
// a name collision it appends _1, _2, etc. Returns the path and bytes written.
func SaveUpload(dir, prefix string, file io.Reader, filename string) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating directory: %w", err)
	}

	safe := prefix + "_" + SanitizeFilename(filename)

	destPath := filepath.Join(dir, safe)
	if _, err := os.Stat(destPath); err == nil {
		ext := filepath.Ext(safe)
		base := strings.TrimSuffix(safe, ext)
		for i := 1; ; i++ {
			candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				destPath = candidate
				break
			}
		}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, file)
	if err != nil {
		os.Remove(destPath)
		return "", 0, fmt.Errorf("saving file: %w", err)
	}

	return destPath, n, nil
}
