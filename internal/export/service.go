package export

import "fmt"

// Export renders a snapshot in the requested format
func Export(snap Snapshot, format Format) (*Result, error) {
	html, err := RenderSnapshotHTML(snap)
	if err != nil {
		return nil, fmt.Errorf("render snapshot: %w", err)
	}

	filename := fmt.Sprintf("%s-v%d-%s", sanitizeFilename(snap.Title), snap.Version, snap.View)

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: filename + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, filename)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
