package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ftcvideo/matchbox/internal/clipper"
)

// ClipInfo describes one clip file for listings.
type ClipInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// ScanClips lists the video files in dir, newest first by modification time.
func ScanClips(dir string) []ClipInfo {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var clips []ClipInfo
	for _, entry := range entries {
		if entry.IsDir() || !clipper.IsVideoFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		clips = append(clips, ClipInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(clips, func(i, j int) bool {
		return clips[i].ModTime.After(clips[j].ModTime)
	})
	return clips
}

// GenerateIndex rewrites index.html in the clips directory from the current
// on-disk set of clips. Regenerating with no filesystem change produces
// byte-identical output.
func GenerateIndex(clipsDir string, webPort int, eventCode string) error {
	clips := ScanClips(clipsDir)
	html := renderIndex(clipsDir, webPort, eventCode, clips)
	path := filepath.Join(clipsDir, "index.html")
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

func renderIndex(clipsDir string, webPort int, eventCode string, clips []ClipInfo) string {
	var list strings.Builder
	if len(clips) > 0 {
		list.WriteString("<ul>")
		for _, clip := range clips {
			sizeMB := float64(clip.Size) / (1024 * 1024)
			fmt.Fprintf(&list, `<li><a href="%s">%s</a> <small>(%.1f MB)</small></li>`,
				clip.Name, clip.Name, sizeMB)
		}
		list.WriteString("</ul>")
	} else {
		list.WriteString("<p><em>No match clips available yet...</em></p>")
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>FIRST&reg; MatchBox&trade; - Match Clips</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        h1 { color: #0066cc; }
        .status { padding: 10px; background: #f0f8ff; border-radius: 5px; margin: 20px 0; }
        .footer { margin-top: 40px; color: #666; font-size: 0.9em; }
        li { margin: 5px 0; }
        small { color: #666; margin-left: 10px; }
    </style>
    <meta http-equiv="refresh" content="30">
</head>
<body>
    <h1>&#x1F3A5; FIRST&reg; MatchBox&trade;</h1>
    <div class="status">
        <h3>Match Clips Server</h3>
        <p><strong>Status:</strong> Running on port %d</p>
        <p><strong>Event Code:</strong> %s</p>
        <p><strong>Output Directory:</strong> %s</p>
        <p><strong>Total Clips:</strong> %d</p>
    </div>

    <h3>&#x1F4C1; Available Match Clips</h3>
    %s

    <div class="footer">
        <p><em>This web interface provides local access to match clips for referees and field staff.</em></p>
        <p>This page automatically refreshes every 30 seconds to show new clips.</p>
    </div>
</body>
</html>`, webPort, eventCode, clipsDir, len(clips), list.String())
}
