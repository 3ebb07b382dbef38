package files

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Columns a download query returns to name the stored file.
const (
	ColumnRelativePath = "relative_path"
	ColumnFileName     = "file_name"
	ColumnContentType  = "content_type"
)

// ErrNotFound is returned by Serve when the stored file does not exist.
var ErrNotFound = errors.New("file not found")

// Descriptor names a stored file to send.
type Descriptor struct {
	RelativePath string
	FileName     string
	ContentType  string
}

// DescriptorFrom reads a descriptor from a row's columns. get returns a
// column's value.
func DescriptorFrom(get func(column string) (any, bool)) (Descriptor, bool) {
	str := func(col string) string {
		v, ok := get(col)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	d := Descriptor{
		RelativePath: str(ColumnRelativePath),
		FileName:     str(ColumnFileName),
		ContentType:  str(ColumnContentType),
	}
	return d, d.RelativePath != ""
}

// Serve streams the file d names as an attachment. Range and conditional
// requests are honored.
func Serve(w http.ResponseWriter, r *http.Request, store Store, d Descriptor) error {
	f, err := store.Open(d.RelativePath)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return ErrNotFound
	}

	name := d.FileName
	if name == "" {
		name = filepath.Base(d.RelativePath)
	}
	if d.ContentType != "" {
		w.Header().Set("Content-Type", d.ContentType)
	} else {
		setContentType(w, name)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, modTime(info.ModTime()), f)
	return nil
}

func modTime(t time.Time) time.Time {
	if t.Unix() <= 0 {
		return time.Time{}
	}
	return t
}

// setContentType sets the Content-Type header based on the file extension.
func setContentType(w http.ResponseWriter, filePath string) {
	if ct := contentType(filePath); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
}

func contentType(filePath string) string {
	if ext := filepath.Ext(filePath); ext != "" {
		return mime.TypeByExtension(ext)
	}
	return ""
}
