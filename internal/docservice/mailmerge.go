package docservice

import (
	"bytes"
	"context"
	"encoding/xml"
)

// mailMergeFile is one <file field="recipient" path="message"/> entry of a
// converted batch.
type mailMergeFile struct {
	field string
	path  string
}

// deliverMailMerge posts one message per converted record and queues the
// next batch while records remain. Failed recipients are counted, not
// retried.
func (s *Service) deliverMailMerge(ctx context.Context, cmd Command) error {
	if cmd.MailMergeSend == nil {
		return ErrInvalidInput
	}
	mm := *cmd.MailMergeSend
	logger := s.logger.With().Str("docId", cmd.DocID).Str("cmd", cmd.Command).Logger()

	status := IntegratorMailMerge
	if cmd.StatusInfo != CodeNoError {
		status = IntegratorCorrupted
	}
	dir := cmd.DocID + cmd.SaveKey + "/"
	data, err := s.storage.Get(ctx, dir+cmd.OutputPath)
	if err != nil {
		logger.Warn().Err(err).Msg("read mail merge list failed")
	}
	files := parseMailMergeFiles(data)
	recordIndexStart := mm.RecordCount - (mm.RecordTo - mm.RecordFrom + 1)

	for i, file := range files {
		out := &OutputSfc{
			Key:    cmd.DocID,
			Status: status,
			Users:  []string{mm.UserID},
			MailMerge: &OutputMailMerge{
				From:             mm.From,
				Message:          mm.Message,
				RecordCount:      mm.RecordCount,
				RecordErrorCount: mm.RecordErrorCount,
				RecordIndex:      recordIndexStart + i,
				Subject:          mm.Subject,
				Title:            mm.FileName,
				To:               file.field,
				Type:             mm.MailFormat,
				UserID:           mm.UserID,
			},
		}
		if p := file.path; p != "" {
			url, err := s.storage.SignedURL(ctx, mm.BaseURL, dir+p, URLTemporary)
			if err != nil {
				logger.Warn().Err(err).Msg("sign mail merge url failed")
			}
			out.URL = url
		}
		reply, err := s.callbacks.Send(ctx, mm.URL, out)
		if err != nil || reply == nil || reply.Error != CommandNoError {
			mm.RecordErrorCount++
			logger.Warn().Err(err).Int("recordIndex", out.MailMerge.RecordIndex).Msg("mail merge send failed")
		}
	}

	step := len(files)
	if step < 1 {
		step = 1
	}
	newFrom := mm.RecordFrom + step
	if newFrom > mm.RecordTo {
		logger.Info().Int("errors", mm.RecordErrorCount).Msg("mail merge finished")
		return nil
	}
	next := cmd
	mm.RecordFrom = newFrom
	next.MailMergeSend = &mm
	next.StatusInfo = CodeNoError
	if err := s.addRandomKeyTask(ctx, &next); err != nil {
		return err
	}
	return s.enqueueConvert(ctx, s.saveTask(next, PriorityLow))
}

// parseMailMergeFiles reads the file entries of a batch list. The list has
// no single root element; parsing stops at the first malformed token.
func parseMailMergeFiles(data []byte) []mailMergeFile {
	var files []mailMergeFile
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return files
		}
		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "file" {
			continue
		}
		var f mailMergeFile
		for _, attr := range el.Attr {
			switch attr.Name.Local {
			case "field":
				f.field = attr.Value
			case "path":
				f.path = attr.Value
			}
		}
		files = append(files, f)
	}
}
