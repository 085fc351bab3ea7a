package fileserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/model"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func TestUploadThenServe(t *testing.T) {
	s := New(t.TempDir())
	url, err := s.Upload(context.Background(), []byte("setlist for friday"), "chats/c1/files/1700000000000_setlist.txt")
	require.NoError(t, err)
	assert.Equal(t, "/api/files/chats/c1/files/1700000000000_setlist.txt", url)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, url+"?name=setlist.txt", nil)
	s.Serve(rec, req, strings.TrimPrefix(url, URLPrefix))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "setlist for friday", string(body))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="setlist.txt"`)
}

func TestUploadRejectsEscapingPath(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Upload(context.Background(), []byte("x"), "../../etc/passwd")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestServeMissing(t *testing.T) {
	s := New(t.TempDir())
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/api/files/nope.txt", nil), "nope.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttachmentPath(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	p, kind := AttachmentPath("c1", "Band Photo.PNG", now)
	assert.Equal(t, "chats/c1/images/1700000000123_Band_Photo.PNG", p)
	assert.Equal(t, model.MessageKindImage, kind)

	p, kind = AttachmentPath("c1", "../rider.pdf", now)
	assert.Equal(t, "chats/c1/files/1700000000123_rider.pdf", p)
	assert.Equal(t, model.MessageKindFile, kind)
}

func TestCheckContent(t *testing.T) {
	assert.NoError(t, CheckContent("photo.png", pngHeader))
	assert.NoError(t, CheckContent("notes.txt", []byte("hello")))
	assert.True(t, errors.Is(CheckContent("photo.png", []byte("not a png")), apperr.ErrInvalidArgument))
	assert.True(t, errors.Is(CheckContent("run.sh", []byte("#!/bin/sh")), apperr.ErrInvalidArgument))
}

func TestFormatFileSize(t *testing.T) {
	cases := map[int64]string{
		0:                      "0 B",
		512:                    "512 B",
		1536:                   "1.5 KB",
		10 * 1024 * 1024:       "10.0 MB",
		3 * 1024 * 1024 * 1024: "3.0 GB",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatFileSize(in), "size %d", in)
	}
}
