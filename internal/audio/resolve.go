package audio

import (
	"os"
	"path/filepath"
	"strings"
)

// supportedExt lists the container extensions accepted for submission and
// picked up by the inbox watcher. ffmpeg decides the final word on decoding.
var supportedExt = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".aac": true, ".flac": true,
	".ogg": true, ".opus": true, ".webm": true, ".mp4": true, ".mkv": true,
	".mov": true, ".wma": true, ".amr": true, ".3gp": true,
}

// IsSupportedFile reports whether path has an audio/video extension we accept.
func IsSupportedFile(path string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(path))]
}

// ResolveFile finds a submitted recording on disk.
// Priority: 1) uploadDir/sourcePath  2) inboxDir/basename  3) absolute sourcePath
// Relative paths may not escape uploadDir.
func ResolveFile(uploadDir, inboxDir, sourcePath string) string {
	if sourcePath == "" {
		return ""
	}

	// 1) relative to the upload directory
	if !filepath.IsAbs(sourcePath) && uploadDir != "" {
		clean := filepath.Clean(sourcePath)
		if clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			full := filepath.Join(uploadDir, clean)
			if isFile(full) {
				return full
			}
		}
	}

	// 2) files dropped into the inbox are addressed by name
	if inboxDir != "" {
		full := filepath.Join(inboxDir, filepath.Base(sourcePath))
		if isFile(full) {
			return full
		}
	}

	// 3) absolute path on the same filesystem
	if filepath.IsAbs(sourcePath) && isFile(sourcePath) {
		return sourcePath
	}

	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
