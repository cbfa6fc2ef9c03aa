package docservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransitionIf moves key to (next, nextInfo) only while it still holds
// (expected, expectedInfo). A transition that does not apply is not an error:
// someone else already moved the document.
func (s *Service) TransitionIf(ctx context.Context, key string, expected FileStatus, expectedInfo int64, next FileStatus, nextInfo int64) (bool, error) {
	return s.transition(ctx, key, RecordUpdate{Status: next, StatusInfo: nextInfo}, MaskExact(expected, expectedInfo))
}

func (s *Service) transition(ctx context.Context, key string, upd RecordUpdate, mask RecordMask) (bool, error) {
	affected, err := s.records.UpdateIf(ctx, s.tenant, key, upd, mask)
	if err != nil {
		return false, fmt.Errorf("docservice: update %s: %w", key, err)
	}
	return affected > 0, nil
}

func (s *Service) currentMinute() int64 {
	return minuteStamp(s.now())
}

// expired reports whether a minute stamp is strictly older than timeout.
func (s *Service) expired(stamp int64, timeout time.Duration) bool {
	return s.now().UnixMilli()-stamp*60000 > timeout.Milliseconds()
}

// Resolve maps the stored status of key to the outward result for cmd. With
// a nil conn the URLs that need signing are described in out instead.
func (s *Service) Resolve(ctx context.Context, cmd Command, key string, conn *ConnInfo, out *AdditionalOutput) (OutputData, FileStatus, error) {
	output := OutputData{Type: cmd.Command}
	rec, err := s.records.Select(ctx, s.tenant, key)
	if errors.Is(err, ErrNotFound) {
		return output, StatusNone, nil
	}
	if err != nil {
		return output, StatusNone, fmt.Errorf("docservice: select %s: %w", key, err)
	}
	if out != nil {
		row := rec
		out.Row = &row
	}
	status := rec.Status

	switch rec.Status {
	case StatusOk, StatusSaveVersion, StatusUpdateVersion:
		switch {
		case rec.Status == StatusOk:
			output.Status = OutputOk
		case conn != nil && (conn.IsCloseCoAuthoring || conn.Viewer):
			output.Status = OutputUpdateVersion
		case rec.Status == StatusSaveVersion || s.expired(rec.StatusInfo, s.updateVersionExpire):
			if rec.Status == StatusUpdateVersion {
				s.logger.Warn().Str("key", key).Msg("update version expired")
			}
			applied, err := s.transition(ctx, key, RecordUpdate{Status: StatusOk, StatusInfo: CodeNoError}, MaskExact(rec.Status, rec.StatusInfo))
			if err != nil {
				return output, status, err
			}
			if applied {
				output.Status = OutputOk
				status = StatusOk
			} else {
				output.Status = OutputUpdateVersion
			}
		default:
			output.Status = OutputUpdateVersion
		}
		if err := s.fillReadyOutput(ctx, cmd, key, rec, conn, out, &output); err != nil {
			return output, status, err
		}
	case StatusNeedParams:
		output.Status = OutputNeedParams
		format := cmd.Format
		if format == "" {
			format = rec.OriginFormat
		}
		settingsPath := key + "/origin." + format
		if conn != nil {
			url, err := s.storage.SignedURL(ctx, conn.BaseURL, settingsPath, URLTemporary)
			if err != nil {
				return output, status, err
			}
			output.Data = url
		} else if out != nil {
			out.NeedURLKey = settingsPath
			out.NeedURLMethod = 1
			out.NeedURLType = URLTemporary
		}
	case StatusNeedPassword:
		output.Status = OutputNeedPassword
		output.Data = rec.StatusInfo
	case StatusErr:
		output.Status = OutputErr
		output.Data = rec.StatusInfo
	case StatusErrToReload:
		output.Status = OutputErr
		output.Data = rec.StatusInfo
		if _, err := s.records.Update(ctx, s.tenant, key, RecordUpdate{Status: StatusNone, StatusInfo: CodeNoError}); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("reset err to reload failed")
		}
	case StatusNone:
	case StatusWaitQueue:
		if s.expired(rec.StatusInfo, s.convertTimeout) {
			s.logger.Warn().Str("key", key).Int64("statusInfo", rec.StatusInfo).Msg("wait queue expired")
			applied, err := s.transition(ctx, key, RecordUpdate{Status: StatusNone, StatusInfo: CodeNoError}, MaskExact(StatusWaitQueue, rec.StatusInfo))
			if err != nil {
				return output, status, err
			}
			if applied {
				status = StatusNone
			}
		}
	default:
		output.Status = OutputErr
		output.Data = CodeUnknown
	}
	return output, status, nil
}

func (s *Service) fillReadyOutput(ctx context.Context, cmd Command, key string, rec DocumentRecord, conn *ConnInfo, out *AdditionalOutput, output *OutputData) error {
	if cmd.Command != "open" && cmd.Command != "reopen" {
		if cmd.OutputURLs {
			if conn == nil {
				return nil
			}
			urls, err := s.signedURLs(ctx, conn.BaseURL, key, URLTemporary)
			if err != nil {
				return err
			}
			output.Data = urls
			return nil
		}
		outputPath := key + "/" + cmd.OutputPath
		if conn != nil {
			url, err := s.storage.SignedURL(ctx, conn.BaseURL, outputPath, URLTemporary)
			if err != nil {
				return err
			}
			output.Data = url
			output.FileType = strings.TrimPrefix(blobExt(outputPath), ".")
		} else if out != nil {
			out.NeedURLKey = outputPath
			out.NeedURLMethod = 2
			out.NeedURLType = URLTemporary
		}
		return nil
	}

	stored := rec.Password.Current
	isCorrect := false
	if stored != "" && cmd.Password != "" {
		isCorrect = s.passwords.Matches(stored, cmd.Password)
	}
	openedAt := rec.LastOpenDate.UnixMilli()
	switch {
	case stored != "" && !isCorrect:
		s.logger.Debug().Str("key", key).Msg("password mismatch")
		output.Status = OutputNeedPassword
		if cmd.Password != "" {
			output.Data = CodeConvertPassword
		} else {
			output.Data = CodeConvertDRM
		}
	case conn != nil:
		urls, err := s.signedURLs(ctx, conn.BaseURL, key, URLSession)
		if err != nil {
			return err
		}
		output.OpenedAt = openedAt
		output.Data = urls
	case out != nil:
		out.NeedURLKey = key
		out.NeedURLMethod = 0
		out.NeedURLType = URLSession
		out.NeedURLIsCorrectPassword = &isCorrect
		out.CreationDate = rec.CreatedAt.UnixMilli()
		out.OpenedAt = openedAt
	}
	return nil
}

// signedURLs signs every object under key, keyed by its path below key.
func (s *Service) signedURLs(ctx context.Context, baseURL, key string, urlType URLType) (map[string]string, error) {
	prefix := key + "/"
	paths, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	urls := make(map[string]string, len(paths))
	for _, p := range paths {
		url, err := s.storage.SignedURL(ctx, baseURL, p, urlType)
		if err != nil {
			return nil, err
		}
		urls[strings.TrimPrefix(p, prefix)] = url
	}
	return urls, nil
}
