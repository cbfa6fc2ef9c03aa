package docservice

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/relaydoc/internal/observability"
)

const asyncForceSaveTimeout = 30 * time.Second

// OnTaskComplete applies a worker result to the document record and routes
// it to open-result publishing, save delivery or mail merge.
func (s *Service) OnTaskComplete(ctx context.Context, task TaskQueueData) error {
	cmd := task.Cmd
	ctx, span := observability.StartSpan(ctx, "docservice.receive_task",
		attribute.String("doc.id", cmd.DocID),
		attribute.String("doc.cmd", cmd.Command),
		attribute.Int("doc.status_info", cmd.StatusInfo),
		attribute.Int("doc.attempt", cmd.Attempt),
	)
	defer span.End()
	if !validDocID(cmd.DocID) {
		return ErrInvalidInput
	}
	logger := s.logger.With().Str("docId", cmd.DocID).Str("cmd", cmd.Command).Logger()
	logger.Debug().Int("statusInfo", cmd.StatusInfo).Msg("receive task start")

	// Delayed callback retries come back through the result queue after the
	// save record was already finalised.
	isCallbackRetry := cmd.Attempt > 0 && (cmd.Command == "sfc" || cmd.Command == "sfcm")
	if !isCallbackRetry {
		affected, err := s.records.Update(ctx, s.tenant, cmd.DocID+cmd.SaveKey, s.updateResponse(cmd))
		if err != nil {
			return fmt.Errorf("docservice: update %s: %w", cmd.DocID+cmd.SaveKey, err)
		}
		if affected == 0 {
			logger.Debug().Msg("receive task skipped")
			span.SetAttributes(attribute.Bool("doc.skipped", true))
			return nil
		}
	}

	var (
		output     *OutputData
		additional AdditionalOutput
	)
	switch cmd.Command {
	case "open", "reopen":
		out, _, err := s.Resolve(ctx, cmd, cmd.DocID, nil, &additional)
		if err != nil {
			return err
		}
		output = &out
		if cmd.Forgotten != "" && cmd.StatusInfo == CodeNoError {
			if err := s.storage.Put(ctx, s.forgottenMarker(cmd.DocID), []byte(cmd.Forgotten)); err != nil {
				logger.Warn().Err(err).Msg("write forgotten marker failed")
			}
		}
		if additional.Row != nil {
			if params := wopiParamsFromRecord(*additional.Row, 0); params != nil && params.CommonInfo.FileInfo.TemplateSource != "" {
				s.forceSaveAsync(cmd.DocID, EditorSession{UserID: cmd.UserID, UserIndex: cmd.UserIndex})
			}
		}
	case "save", "savefromorigin":
		out, status, err := s.Resolve(ctx, cmd, cmd.DocID+cmd.SaveKey, nil, &additional)
		if err != nil {
			return err
		}
		output = &out
		if status == StatusOk && (cmd.SaveAsPath != "" || cmd.IsSaveAs) {
			if err := s.processWopiSaveAs(ctx, cmd); err != nil {
				logger.Warn().Err(err).Msg("save as failed")
				if cmd.WopiParams != nil {
					output.Status = OutputErr
					output.Data = CodeConvert
					additional = AdditionalOutput{}
				}
			}
		}
	case "sfcm":
		return s.DeliverSave(ctx, cmd, true)
	case "sfc":
		return s.DeliverSave(ctx, cmd, false)
	case "sendmm":
		return s.deliverMailMerge(ctx, cmd)
	case "conv":
	default:
		logger.Warn().Msg("unknown task command")
	}

	if output == nil || output.Status == "" {
		return nil
	}
	ev := Event{
		Type:                     PublishReceiveTask,
		Tenant:                   s.tenant,
		DocID:                    cmd.DocID,
		Cmd:                      &cmd,
		Output:                   output,
		NeedURLKey:               additional.NeedURLKey,
		NeedURLMethod:            additional.NeedURLMethod,
		NeedURLType:              additional.NeedURLType,
		NeedURLIsCorrectPassword: additional.NeedURLIsCorrectPassword,
		CreationDate:             additional.CreationDate,
		OpenedAt:                 additional.OpenedAt,
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).Msg("publish receive task failed")
	}
	return nil
}

// updateResponse maps a worker result code to the record status it leaves.
func (s *Service) updateResponse(cmd Command) RecordUpdate {
	upd := RecordUpdate{StatusInfo: int64(cmd.StatusInfo)}
	switch cmd.StatusInfo {
	case CodeNoError:
		upd.Status = StatusOk
		upd.Password = cmd.Password
	case CodeConvertTemporary, CodeConvertDownload, CodeConvertLimits, CodeConvertDeadLetter:
		upd.Status = StatusErrToReload
	case CodeConvertNeedParams:
		upd.Status = StatusNeedParams
	case CodeConvertDRM, CodeConvertPassword:
		if s.openProtectedFile {
			upd.Status = StatusNeedPassword
		} else {
			upd.Status = StatusErr
		}
	default:
		upd.Status = StatusErr
	}
	return upd
}

// processWopiSaveAs uploads a converted file to the WOPI host as a new file.
// Documents without WOPI parameters have nothing to do.
func (s *Service) processWopiSaveAs(ctx context.Context, cmd Command) error {
	if cmd.WopiParams == nil {
		return nil
	}
	src := cmd.DocID + cmd.SaveKey + "/" + cmd.OutputPath
	body, size, err := s.storage.Open(ctx, src)
	if err != nil {
		return err
	}
	defer body.Close()
	target := cmd.SaveAsPath
	if target == "" {
		target = "." + cmd.OutputFormat
	}
	res, err := s.wopi.PutRelativeFile(ctx, *cmd.WopiParams, body, size, target)
	if err != nil {
		return err
	}
	s.logger.Info().Str("docId", cmd.DocID).Str("name", res.Name).Msg("save as done")
	return nil
}

// forceSaveAsync starts a forced save without holding up the caller.
func (s *Service) forceSaveAsync(docID string, sess EditorSession) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncForceSaveTimeout)
		defer cancel()
		if _, _, err := s.StartForceSave(ctx, docID, ForceSaveTimeout, sess); err != nil {
			s.logger.Warn().Err(err).Str("docId", docID).Msg("template force save failed")
		}
	}()
}
