package lifecycle

import "strings"

// uploadSentinel marks a line in a task result that requests a file share
// into the thread instead of being posted as text:
//
//	[upload] /path/to/screenshot.png | Before and after
//
// The caption after the pipe is optional.
const uploadSentinel = "[upload]"

// upload is one parsed file-share request.
type upload struct {
	Path    string
	Caption string
}

// extractUploads splits upload sentinel lines out of a result body. The
// returned body has the sentinel lines removed; malformed sentinel lines
// (no path) are dropped rather than posted.
func extractUploads(result string) (string, []upload) {
	if !strings.Contains(result, uploadSentinel) {
		return result, nil
	}

	var kept []string
	var uploads []upload
	for _, line := range strings.Split(result, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, uploadSentinel) {
			kept = append(kept, line)
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, uploadSentinel))
		if rest == "" {
			continue
		}
		path, caption, _ := strings.Cut(rest, "|")
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		uploads = append(uploads, upload{Path: path, Caption: strings.TrimSpace(caption)})
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), uploads
}
