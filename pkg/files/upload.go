package files

import (
	"errors"
	"fmt"
	"maps"
	"mime/multipart"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// multipartMemory matches the limit used when parameters parse the form.
const multipartMemory = 32 << 20

// maxNameLength is the longest file name accepted.
const maxNameLength = 255

// ErrInvalidName is returned for file names that cannot be stored safely.
var ErrInvalidName = errors.New("invalid file name")

// Saved describes one stored upload.
type Saved struct {
	Field        string `json:"field"`
	FileName     string `json:"file_name"`
	RelativePath string `json:"relative_path"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
}

// Rules restrict what an upload accepts.
type Rules struct {
	// Field selects one multipart field; empty accepts every file field.
	Field             string
	AllowedExtensions []string
	MaxFileSize       int64
}

// ValidateName returns the base name of name, or ErrInvalidName when it is
// empty, a dot name, too long, or carries control or reserved characters.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." || len(name) > maxNameLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"|?*`, r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return name, nil
}

// RejectedError reports an upload refused by Rules. Its message is safe to
// show to clients.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Save stores every file of r's multipart form accepted by rules under
// yyyy/mm/dd/<uuid>/<name>. When any file fails, the files stored so far
// are removed.
func Save(r *http.Request, store Store, rules Rules, now time.Time) ([]Saved, error) {
	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			if errors.Is(err, http.ErrNotMultipart) {
				return nil, nil
			}
			return nil, &RejectedError{Reason: "invalid multipart form"}
		}
	}

	var saved []Saved
	fail := func(err error) ([]Saved, error) {
		Rollback(store, saved)
		return nil, err
	}

	for _, field := range slices.Sorted(maps.Keys(r.MultipartForm.File)) {
		if rules.Field != "" && field != rules.Field {
			continue
		}
		for _, fh := range r.MultipartForm.File[field] {
			s, err := saveOne(store, rules, field, fh, now)
			if err != nil {
				return fail(err)
			}
			saved = append(saved, s)
		}
	}
	return saved, nil
}

func saveOne(store Store, rules Rules, field string, fh *multipart.FileHeader, now time.Time) (Saved, error) {
	name, err := ValidateName(fh.Filename)
	if err != nil {
		return Saved{}, &RejectedError{Reason: err.Error()}
	}
	if len(rules.AllowedExtensions) > 0 {
		ext := strings.ToLower(path.Ext(name))
		if !slices.ContainsFunc(rules.AllowedExtensions, func(a string) bool { return strings.EqualFold(a, ext) }) {
			return Saved{}, &RejectedError{Reason: fmt.Sprintf("file type %q not allowed", ext)}
		}
	}
	if rules.MaxFileSize > 0 && fh.Size > rules.MaxFileSize {
		return Saved{}, &RejectedError{Reason: fmt.Sprintf("file %q exceeds %d bytes", name, rules.MaxFileSize)}
	}

	f, err := fh.Open()
	if err != nil {
		return Saved{}, err
	}
	defer f.Close()

	rel := path.Join(now.UTC().Format("2006/01/02"), uuid.NewString(), name)
	n, err := store.Save(rel, f, rules.MaxFileSize)
	if errors.Is(err, ErrTooLarge) {
		return Saved{}, &RejectedError{Reason: fmt.Sprintf("file %q exceeds %d bytes", name, rules.MaxFileSize)}
	}
	if err != nil {
		return Saved{}, err
	}

	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = contentType(name)
	}
	return Saved{Field: field, FileName: name, RelativePath: rel, ContentType: ct, Size: n}, nil
}

// Rollback removes saved files, ignoring the ones already gone.
func Rollback(store Store, saved []Saved) {
	for _, s := range saved {
		_ = store.Remove(s.RelativePath)
	}
}

// Document returns saved as the structured parameter document
// {"files": [...]} so templates can address files[0].relative_path.
func Document(saved []Saved) map[string]any {
	list := make([]any, 0, len(saved))
	for _, s := range saved {
		list = append(list, map[string]any{
			"field":         s.Field,
			"file_name":     s.FileName,
			"relative_path": s.RelativePath,
			"content_type":  s.ContentType,
			"size":          s.Size,
		})
	}
	return map[string]any{"files": list}
}
