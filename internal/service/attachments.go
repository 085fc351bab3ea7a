package service

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/fileserver"
	"github.com/bandhub/messenger/internal/model"
)

var errNoBlobStore = errors.New("blob store not configured")

// AttachmentRef is an uploaded blob ready to be sent as an image or file message.
type AttachmentRef struct {
	model.Attachment
	Kind model.MessageKind `json:"kind"`
}

// UploadAttachment stores data for a participant of chatID and returns the reference to send.
func (m *Messenger) UploadAttachment(ctx context.Context, chatID, uploaderID, fileName string, data []byte) (*AttachmentRef, error) {
	if m.blobs == nil {
		return nil, apperr.Transient("upload", errNoBlobStore)
	}
	if _, err := m.CheckParticipant(ctx, chatID, uploaderID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperr.InvalidArgument("file is empty")
	}
	if int64(len(data)) > m.maxUpload {
		return nil, apperr.InvalidArgument("file is %s, limit is %s",
			fileserver.FormatFileSize(int64(len(data))), fileserver.FormatFileSize(m.maxUpload))
	}
	fileName = strings.TrimSpace(strings.ReplaceAll(fileName, "+", " "))
	if err := fileserver.CheckContent(fileName, data); err != nil {
		return nil, err
	}

	p, kind := fileserver.AttachmentPath(chatID, fileName, m.now())
	url, err := m.blobs.Upload(ctx, data, p)
	if err != nil {
		return nil, err
	}
	name := fileserver.SafeFilename(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	if name == "" || name == "." {
		name = path.Base(p)
	}
	return &AttachmentRef{
		Attachment: model.Attachment{URL: url, Name: name, Size: int64(len(data))},
		Kind:       kind,
	}, nil
}
