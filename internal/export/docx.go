package export

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// exportDOCX pipes the brief HTML through pandoc. The project name becomes
// the document title in the DOCX metadata.
func exportDOCX(ctx context.Context, html string, title string) (*Result, error) {
	pandoc, err := exec.LookPath("pandoc")
	if err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, pandoc,
		"--from=html",
		"--to=docx",
		"--metadata", "title="+title,
		"--output=-",
	)
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("pandoc: %s: %w", msg, err)
		}
		return nil, fmt.Errorf("pandoc: %w", err)
	}

	return &Result{
		Data:     stdout.Bytes(),
		Filename: briefFilename(title, "docx"),
		MimeType: docxMimeType,
	}, nil
}
