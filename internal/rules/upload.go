package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sentra-project/sentra/internal/core"
)

// Extensions that should never arrive through a user-facing upload endpoint.
var dangerousExtensions = map[string]bool{
	".exe": true, ".dll": true, ".scr": true, ".bat": true, ".cmd": true,
	".ps1": true, ".vbs": true, ".js": true, ".jar": true, ".msi": true,
	".php": true, ".phtml": true, ".jsp": true, ".jspx": true, ".asp": true,
	".aspx": true, ".cgi": true, ".sh": true, ".so": true, ".war": true,
}

// Declared content types expected per extension. A mismatch suggests the
// caller is disguising the payload.
var expectedContentType = map[string]string{
	".jpg": "image/", ".jpeg": "image/", ".png": "image/", ".gif": "image/",
	".pdf": "application/pdf", ".txt": "text/", ".csv": "text/",
}

const largeUploadBytes = 100 << 20

// FileUploadRule flags suspicious file uploads: executable or server-side
// script extensions, double extensions hiding the real type, declared
// content type disagreeing with the extension, and unusually large payloads.
// Stateless; everything it needs rides on the event metadata (filename,
// content_type, size_bytes).
type FileUploadRule struct{}

func (r *FileUploadRule) Name() string { return "file_upload" }

func (r *FileUploadRule) Evaluate(_ context.Context, event *core.SecurityEvent, cfg core.RuleConfig) (core.Finding, bool) {
	if !isUploadEvent(event) {
		return core.Finding{}, false
	}

	filename := strings.ToLower(event.Meta("filename"))
	if filename == "" {
		filename = strings.ToLower(filepath.Base(event.Target))
	}
	if filename == "" || filename == "." {
		return core.Finding{}, false
	}

	if reason := suspectUpload(filename, event); reason != "" {
		return core.Finding{
			Rule:           r.Name(),
			ThreatType:     core.ThreatOther,
			SeverityWeight: cfg.SeverityWeight,
			Evidence:       fmt.Sprintf("upload %q: %s", filename, reason),
		}, true
	}
	return core.Finding{}, false
}

func suspectUpload(filename string, event *core.SecurityEvent) string {
	ext := filepath.Ext(filename)
	if dangerousExtensions[ext] {
		return "dangerous extension " + ext
	}

	// Double extension. image.png.php is caught above by its outer extension;
	// shell.php.jpg hides the script behind a benign suffix, so the inner
	// extension gets checked against the dangerous set too.
	stem := strings.TrimSuffix(filename, ext)
	if inner := filepath.Ext(stem); inner != "" {
		if dangerousExtensions[inner] {
			return "double extension " + inner + ext
		}
		if expectedContentType[inner] != "" && ext != inner {
			return "double extension " + inner + ext
		}
	}

	if declared := strings.ToLower(event.Meta("content_type")); declared != "" {
		if want, ok := expectedContentType[ext]; ok && !strings.HasPrefix(declared, want) {
			return fmt.Sprintf("content type %q does not match extension %s", declared, ext)
		}
	}

	if raw := event.Meta("size_bytes"); raw != "" {
		if size, err := strconv.ParseInt(raw, 10, 64); err == nil && size > largeUploadBytes {
			return fmt.Sprintf("payload of %d bytes exceeds upload ceiling", size)
		}
	}
	return ""
}

func isUploadEvent(event *core.SecurityEvent) bool {
	if event.Type == "file_upload" || event.Type == "upload" {
		return true
	}
	return strings.EqualFold(event.Action, "upload")
}
