package files

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type part struct {
	field, name, body string
}

func multipartRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "quarterly"))
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, p.body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/docs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var day = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

func TestValidateName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "dir/report.pdf", want: "report.pdf"},
		{in: `C:\Users\x\report.pdf`, want: "report.pdf"},
		{in: "report..v2.pdf", want: "report..v2.pdf"},
		{in: "", wantErr: true},
		{in: "..", wantErr: true},
		{in: "a/..", wantErr: true},
		{in: "bad|name.pdf", wantErr: true},
		{in: "tab\tname.pdf", wantErr: true},
		{in: strings.Repeat("a", 256), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSave(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)

	req := multipartRequest(t,
		part{"files", "a.pdf", "first"},
		part{"files", "b.pdf", "second"},
		part{"avatar", "me.png", "png"},
	)
	saved, err := Save(req, store, Rules{Field: "files", AllowedExtensions: []string{".PDF"}, MaxFileSize: 1024}, day)
	require.NoError(t, err)
	require.Len(t, saved, 2)

	assert.Equal(t, "a.pdf", saved[0].FileName)
	assert.Equal(t, "files", saved[0].Field)
	assert.True(t, strings.HasPrefix(saved[0].RelativePath, "2025/03/09/"))
	assert.True(t, strings.HasSuffix(saved[0].RelativePath, "/a.pdf"))
	assert.Equal(t, int64(5), saved[0].Size)

	b, err := afero.ReadFile(fs, "/"+saved[1].RelativePath)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))

	doc := Document(saved)
	list := doc["files"].([]any)
	assert.Len(t, list, 2)
	assert.Equal(t, saved[0].RelativePath, list[0].(map[string]any)["relative_path"])
}

func TestSaveRejectsAndRollsBack(t *testing.T) {
	tests := []struct {
		name  string
		rules Rules
		parts []part
	}{
		{
			name:  "extension not allowed",
			rules: Rules{AllowedExtensions: []string{".pdf"}},
			parts: []part{{"files", "ok.pdf", "1"}, {"files", "evil.exe", "2"}},
		},
		{
			name:  "too large",
			rules: Rules{MaxFileSize: 3},
			parts: []part{{"files", "ok.txt", "123"}, {"files", "big.txt", "12345"}},
		},
		{
			name:  "invalid name",
			parts: []part{{"files", "ok.txt", "1"}, {"files", "what?.txt", "2"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			saved, err := Save(multipartRequest(t, tt.parts...), NewStore(fs), tt.rules, day)
			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Nil(t, saved)

			var remaining []string
			require.NoError(t, afero.Walk(fs, "/", func(p string, info os.FileInfo, _ error) error {
				if info != nil && !info.IsDir() {
					remaining = append(remaining, p)
				}
				return nil
			}))
			assert.Empty(t, remaining, "earlier files rolled back")
		})
	}
}

func TestSaveNotMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/docs", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	saved, err := Save(req, NewStore(afero.NewMemMapFs()), Rules{}, day)
	assert.NoError(t, err)
	assert.Empty(t, saved)
}

func TestStorePaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)

	_, err := store.Save("../escape.txt", strings.NewReader("x"), 0)
	assert.Error(t, err)
	_, err = store.Open("a/../../etc/passwd")
	assert.Error(t, err)

	_, err = store.Save("2025/01/01/id/x.txt", strings.NewReader("x"), 0)
	require.NoError(t, err)
	_, err = store.Save("2025/01/01/id/x.txt", strings.NewReader("y"), 0)
	assert.Error(t, err, "existing files are never overwritten")

	require.NoError(t, store.Remove("2025/01/01/id/x.txt"))
	exists, err := afero.DirExists(fs, "/2025")
	require.NoError(t, err)
	assert.False(t, exists, "empty parents pruned")
}

func TestServe(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)
	_, err := store.Save("2025/03/09/u/report.pdf", strings.NewReader("%PDF-1.7 body"), 0)
	require.NoError(t, err)

	row := map[string]any{
		ColumnRelativePath: "2025/03/09/u/report.pdf",
		ColumnFileName:     "Q1 report.pdf",
	}
	d, ok := DescriptorFrom(func(c string) (any, bool) { v, ok := row[c]; return v, ok })
	require.True(t, ok)

	w := httptest.NewRecorder()
	require.NoError(t, Serve(w, httptest.NewRequest(http.MethodGet, "/docs/1", nil), store, d))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.7 body", w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Q1 report.pdf"`, w.Header().Get("Content-Disposition"))

	t.Run("range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/docs/1", nil)
		req.Header.Set("Range", "bytes=0-3")
		w := httptest.NewRecorder()
		require.NoError(t, Serve(w, req, store, d))
		assert.Equal(t, http.StatusPartialContent, w.Code)
		assert.Equal(t, "%PDF", w.Body.String())
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := Serve(w, httptest.NewRequest(http.MethodGet, "/docs/2", nil), store, Descriptor{RelativePath: "nope.pdf"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, w.Body.Len())
	})

	_, ok = DescriptorFrom(func(string) (any, bool) { return nil, false })
	assert.False(t, ok)
}
