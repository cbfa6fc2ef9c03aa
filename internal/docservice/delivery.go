package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaydoc/internal/observability"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

var emptyHistory = json.RawMessage(`{}`)

// DeliverSave hands the result of a changes build to the integrator that owns
// the document. forceNotify marks a forced save, which never touches the
// document's primary status. Failures after the task was claimed end in a
// retry, a rollback or a forgotten copy; they are logged, not returned.
func (s *Service) DeliverSave(ctx context.Context, cmd Command, forceNotify bool) error {
	docID := cmd.DocID
	ctx, span := observability.StartSpan(ctx, "docservice.deliver_save",
		attribute.String("doc.id", docID),
		attribute.Bool("doc.force_notify", forceNotify),
		attribute.Int("doc.attempt", cmd.Attempt),
	)
	defer span.End()
	if !validDocID(docID) {
		return ErrInvalidInput
	}
	logger := s.logger.With().Str("docId", docID).Bool("forceNotify", forceNotify).Int("attempt", cmd.Attempt).Logger()

	lastChangeUser := cmd.UserID
	if lastChangeUser == "" {
		lastChangeUser = cmd.UserActionID
	}
	lastChangeIndex := cmd.UserIndex
	if lastChangeIndex == 0 {
		lastChangeIndex = cmd.UserActionIndex
	}
	needUpdateVersionEvent := !forceNotify && !cmd.Encrypted

	if cmd.StatusInfo == CodeEditorChanges && !forceNotify {
		logger.Debug().Msg("no changes to deliver")
		if err := s.editors.CleanDocumentOnExit(ctx, s.tenant, docID); err != nil {
			logger.Warn().Err(err).Msg("clean document on exit failed")
		}
		return nil
	}

	saveKey := docID + cmd.SaveKey
	isError := cmd.StatusInfo != CodeNoError
	isErrorCorrupted := cmd.StatusInfo == CodeConvertCorrupted
	savePathDoc := saveKey + "/" + cmd.OutputPath
	savePathChanges := saveKey + "/changes.zip"
	savePathHistory := saveKey + "/changesHistory.json"
	callbackIndex := lastChangeIndex
	if cmd.ForceSave != nil && cmd.ForceSave.AuthorUserIndex != nil {
		callbackIndex = *cmd.ForceSave.AuthorUserIndex
	}

	var row *DocumentRecord
	rec, err := s.records.Select(ctx, s.tenant, docID)
	switch {
	case err == nil:
		row = &rec
	case isNotFound(err):
	default:
		logger.Error().Err(err).Msg("select record failed")
	}

	statusOk, statusErr := IntegratorMustSave, IntegratorCorrupted
	if forceNotify {
		statusOk, statusErr = IntegratorMustSaveForce, IntegratorCorruptedForce
	}

	// recover is what a failed delivery restores; mask is what the record
	// must still hold for that restore to apply.
	recoverTo := RecordUpdate{Status: StatusOk, StatusInfo: CodeNoError}
	updateIfTask := &RecordUpdate{Status: StatusUpdateVersion, StatusInfo: s.currentMinute()}
	var mask RecordMask
	attemptTransition := true
	preOwned := false
	if row != nil {
		mask = MaskExact(row.Status, row.StatusInfo)
		switch {
		case cmd.Encrypted:
			recoverTo = RecordUpdate{Status: row.Status, StatusInfo: row.StatusInfo}
		case (row.Status == StatusSaveVersion && row.StatusInfo == cmd.StatusInfoIn) || row.Status == StatusUpdateVersion:
			if row.Status == StatusUpdateVersion {
				attemptTransition = false
				preOwned = true
			}
			recoverTo = RecordUpdate{Status: StatusSaveVersion, StatusInfo: cmd.StatusInfoIn}
		default:
			attemptTransition = false
		}
	} else {
		isError = true
	}

	var (
		target        IntegratorTarget
		baseURL       string
		storeForgot   bool
		needRetry     bool
		isSfcSuccess  bool
		isSfcmSuccess bool
		out           *OutputSfc
	)
	if row != nil {
		target = ClassifyCallback(row.CallbackByUserIndex(callbackIndex))
		baseURL = row.BaseURL
	}

	if target != nil && baseURL != "" && lastChangeUser != "" {
		out = &OutputSfc{Key: docID, Users: []string{lastChangeUser}, UserData: cmd.UserData, Encrypted: cmd.Encrypted}
		if !forceNotify {
			actionUser := cmd.UserActionID
			if actionUser == "" {
				actionUser = cmd.UserID
			}
			out.Actions = []OutputAction{{Type: UserActionOut, UserID: actionUser}}
		} else if cmd.ForceSave != nil && cmd.ForceSave.AuthorUserID != "" {
			out.Actions = []OutputAction{{Type: UserActionForceSaveButton, UserID: cmd.ForceSave.AuthorUserID}}
		}
		if len(cmd.FormData) > 0 {
			formsPath := saveKey + "/formsdata.json"
			if err := s.storage.Put(ctx, formsPath, cmd.FormData); err != nil {
				logger.Warn().Err(err).Msg("store forms data failed")
			} else if url, err := s.storage.SignedURL(ctx, baseURL, formsPath, URLTemporary); err == nil {
				out.FormsDataURL = url
			}
		}

		isOpenFromForgotten := false
		if !isError || isErrorCorrupted {
			assembled := s.assembleSave(ctx, docID, savePathHistory)
			isOpenFromForgotten = assembled.openFromForgotten
			if !isOpenFromForgotten && !cmd.Encrypted && assembled.history != nil {
				out.History = assembled.history
				if url, err := s.storage.SignedURL(ctx, baseURL, savePathChanges, URLTemporary); err == nil {
					out.ChangesURL = url
				} else {
					logger.Warn().Err(err).Msg("sign changes url failed")
				}
			} else {
				out.History = emptyHistory
			}
			if url, err := s.storage.SignedURL(ctx, baseURL, savePathDoc, URLTemporary); err == nil {
				out.URL = url
				out.FileType = strings.TrimPrefix(blobExt(cmd.OutputPath), ".")
			} else {
				logger.Warn().Err(err).Msg("sign document url failed")
			}
			if out.URL != "" && len(out.Users) > 0 {
				out.Status = statusOk
			} else {
				isError = true
			}
		}
		if isError {
			out.Status = statusErr
		}

		if forceNotify {
			isSfcmSuccess = s.deliverForceSave(ctx, cmd, target, out, savePathDoc, lastChangeUser)
		} else {
			count, err := s.editors.EditorsCount(ctx, s.tenant, docID)
			tolerated := 0
			if cmd.Encrypted {
				tolerated = 1
			}
			switch {
			case err != nil:
				logger.Warn().Err(err).Msg("editors count failed")
				storeForgot = true
			case count > tolerated:
				logger.Debug().Int("editors", count).Msg("editors still present")
				updateIfTask = nil
				needUpdateVersionEvent = false
			default:
				owned := preOwned
				if attemptTransition {
					owned, err = s.transition(ctx, docID, *updateIfTask, mask)
					if err != nil {
						logger.Warn().Err(err).Msg("claim update version failed")
						owned = false
					}
				}
				if !owned {
					logger.Debug().Msg("save notify not owned")
					updateIfTask = nil
					needUpdateVersionEvent = false
					break
				}
				if !preOwned {
					mask = MaskExact(updateIfTask.Status, updateIfTask.StatusInfo)
				}
				reply, sendErr := s.deliverFinalSave(ctx, cmd, target, out, savePathDoc, lastChangeUser)
				if sendErr != nil {
					code := 0
					var cbErr *CallbackError
					if errors.As(sendErr, &cbErr) {
						code = cbErr.StatusCode
					}
					logger.Warn().Err(sendErr).Int("status", code).Msg("save callback failed")
					span.SetAttributes(attribute.Int("doc.callback_status", code))
					if !cmd.Encrypted && !isErrorCorrupted && !s.ShuttingDown() && s.backoff.Retryable(code, cmd.Attempt) {
						needRetry = s.scheduleRetry(ctx, cmd)
					}
				}
				if s.acceptedFinalSave(ctx, docID, reply, sendErr) {
					isSfcSuccess = true
					updateIfTask = nil
					if err := s.editors.CleanDocumentOnExit(ctx, s.tenant, docID); err != nil {
						logger.Warn().Err(err).Msg("clean document on exit failed")
					}
					if isOpenFromForgotten {
						if err := s.cleanupCache(ctx, docID); err != nil {
							logger.Warn().Err(err).Msg("cleanup cache failed")
						}
						if err := s.storage.DeletePath(ctx, s.forgottenDir(docID)); err != nil {
							logger.Warn().Err(err).Msg("delete forgotten failed")
						}
					}
					afterClose := s.now().Sub(row.LastOpenDate)
					span.SetAttributes(attribute.Int64("doc.save_after_close_ms", afterClose.Milliseconds()))
					logger.Info().Dur("afterClose", afterClose).Msg("save delivered")
				} else if !needRetry {
					storeForgot = true
				}
			}
		}
	} else {
		logger.Warn().Bool("hasCallback", target != nil).Bool("hasBaseUrl", baseURL != "").Bool("hasUser", lastChangeUser != "").Msg("save notify skipped")
		storeForgot = true
	}

	if updateIfTask != nil && !forceNotify && !needRetry {
		applied, err := s.transition(ctx, docID, recoverTo, mask)
		if err != nil {
			logger.Warn().Err(err).Msg("rollback failed")
		} else if applied {
			mask = MaskExact(recoverTo.Status, recoverTo.StatusInfo)
			logger.Debug().Stringer("status", recoverTo.Status).Msg("status rolled back")
		}
	}

	if storeForgot && !needRetry && !cmd.Encrypted && !isError {
		if err := s.storeForgotten(ctx, docID, savePathDoc); err != nil {
			logger.Error().Err(err).Msg("store forgotten failed")
		}
		if !forceNotify {
			if err := s.editors.CleanDocumentOnExit(ctx, s.tenant, docID); err != nil {
				logger.Warn().Err(err).Msg("clean document on exit failed")
			}
			if wt, ok := target.(WopiTarget); ok {
				if err := s.wopi.Unlock(ctx, wt.Params); err != nil {
					logger.Warn().Err(err).Msg("wopi unlock failed")
				}
			}
			if s.cleanupCacheOnForgotten {
				if _, err := s.cleanupCacheIf(ctx, docID, mask); err != nil {
					logger.Warn().Err(err).Msg("cleanup cache failed")
				}
			}
		}
	}

	if fs := cmd.ForceSave; fs != nil {
		success := isSfcmSuccess && !isError
		cp := ForceSaveCheckpoint{
			Type:    fs.Type,
			Time:    fs.Time,
			Index:   fs.Index,
			Ended:   success || fs.Type == ForceSaveForm || fs.Type == ForceSaveInternal,
			Success: success,
		}
		if out != nil {
			cp.URL = out.URL
		}
		if _, err := s.editors.SetForceSave(ctx, s.tenant, docID, cp); err != nil {
			logger.Warn().Err(err).Msg("set force save failed")
		}
	}

	if needUpdateVersionEvent && !needRetry {
		ev := Event{Type: PublishUpdateVersion, Tenant: s.tenant, DocID: docID, Success: isSfcSuccess}
		if err := s.notifier.Publish(ctx, ev); err != nil {
			logger.Warn().Err(err).Msg("publish update version failed")
		}
	}

	if (s.ShuttingDown() && !forceNotify) || cmd.RedisKey != "" {
		key := cmd.RedisKey
		if key == "" {
			key = s.shutdownKey
		}
		if err := s.editors.RemoveShutdown(ctx, key, docID); err != nil {
			logger.Warn().Err(err).Msg("remove shutdown failed")
		}
	}
	span.SetAttributes(
		attribute.Bool("doc.delivered", isSfcSuccess || isSfcmSuccess),
		attribute.Bool("doc.retry", needRetry),
		attribute.Bool("doc.forgotten", storeForgot && !needRetry),
	)
	return nil
}

type saveAssembly struct {
	history           json.RawMessage
	openFromForgotten bool
}

// assembleSave reads what decides the history part of a notification.
func (s *Service) assembleSave(ctx context.Context, docID, historyPath string) saveAssembly {
	var (
		forgotten    []string
		markerExists bool
		history      []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		files, err := s.listForgotten(gctx, docID)
		forgotten = files
		return err
	})
	g.Go(func() error {
		_, err := s.storage.Get(gctx, s.forgottenMarker(docID))
		if err == nil {
			markerExists = true
			return nil
		}
		if isNotFound(err) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		data, err := s.storage.Get(gctx, historyPath)
		if err == nil && json.Valid(data) {
			history = data
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Str("docId", docID).Msg("assemble save failed")
	}
	return saveAssembly{
		history:           history,
		openFromForgotten: len(forgotten) > 0 && markerExists,
	}
}

// deliverForceSave sends a forced save and reports whether it landed. The
// integrator is only told while the document is still open and healthy.
func (s *Service) deliverForceSave(ctx context.Context, cmd Command, target IntegratorTarget, out *OutputSfc, savePathDoc, userID string) bool {
	cur, err := s.records.Select(ctx, s.tenant, cmd.DocID)
	if err != nil || cur.Status != StatusOk {
		return false
	}
	fsType := ForceSaveCommand
	lastSave := s.now()
	if cmd.ForceSave != nil {
		fsType = cmd.ForceSave.Type
		if cmd.ForceSave.Time > 0 {
			lastSave = time.UnixMilli(cmd.ForceSave.Time)
		}
	}
	out.ForceSaveType = &fsType
	out.LastSave = lastSave.UTC().Format(isoMillis)

	var (
		reply   *CallbackReply
		sendErr error
	)
	switch t := target.(type) {
	case WopiTarget:
		switch {
		case fsType == ForceSaveInternal:
			reply = &CallbackReply{Error: CommandNoError}
		case out.URL == "":
			reply = &CallbackReply{Error: CommandDocumentIDError}
		case fsType == ForceSaveForm:
			saveAs := cmd
			saveAs.WopiParams = &t.Params
			if sendErr = s.processWopiSaveAs(ctx, saveAs); sendErr == nil {
				reply = &CallbackReply{Error: CommandNoError}
			}
		default:
			autosave := fsType != ForceSaveButton && fsType != ForceSaveForm
			reply, sendErr = s.wopiPutFile(ctx, t.Params, savePathDoc, userID, true, autosave, false)
		}
	case GenericCallback:
		if fsType == ForceSaveInternal {
			reply = &CallbackReply{Error: CommandNoError}
		} else {
			reply, sendErr = s.callbacks.Send(ctx, t.URL, out)
		}
	}
	if sendErr != nil {
		s.logger.Warn().Err(sendErr).Str("docId", cmd.DocID).Msg("force save callback failed")
	}
	return sendErr == nil && reply != nil && reply.Error == CommandNoError
}

func (s *Service) deliverFinalSave(ctx context.Context, cmd Command, target IntegratorTarget, out *OutputSfc, savePathDoc, userID string) (*CallbackReply, error) {
	cp, hasCp, err := s.editors.GetForceSave(ctx, s.tenant, cmd.DocID)
	if err != nil {
		s.logger.Warn().Err(err).Str("docId", cmd.DocID).Msg("get force save failed")
	}
	lastSave := s.now()
	if hasCp && cp.Time > 0 {
		lastSave = time.UnixMilli(cp.Time)
	}
	notModified := hasCp && cp.Ended
	out.LastSave = lastSave.UTC().Format(isoMillis)
	out.NotModified = &notModified

	switch t := target.(type) {
	case WopiTarget:
		return s.wopiPutFile(ctx, t.Params, savePathDoc, userID, !notModified, false, true)
	case GenericCallback:
		return s.callbacks.Send(ctx, t.URL, out)
	}
	return nil, ErrInvalidState
}

// acceptedFinalSave requires a clean reply and, when the integrator left a
// saved flag, that the flag says "1".
func (s *Service) acceptedFinalSave(ctx context.Context, docID string, reply *CallbackReply, sendErr error) bool {
	if sendErr != nil || reply == nil || reply.Error != CommandNoError {
		return false
	}
	saved, ok, err := s.editors.GetDelSaved(ctx, s.tenant, docID)
	if err != nil {
		s.logger.Warn().Err(err).Str("docId", docID).Msg("get saved flag failed")
		return true
	}
	return !ok || saved == "1"
}

func (s *Service) wopiPutFile(ctx context.Context, params WopiParams, path, userID string, modified, autosave, exitSave bool) (*CallbackReply, error) {
	body, size, err := s.storage.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	res, err := s.wopi.PutFile(ctx, params, body, size, userID, modified, autosave, exitSave)
	if err != nil {
		return nil, err
	}
	if res != nil && res.LastModifiedTime != "" {
		s.logger.Debug().Str("wopiSrc", params.UserAuth.WopiSrc).Str("lastModified", res.LastModifiedTime).Msg("wopi file modified")
	}
	return &CallbackReply{Error: CommandNoError}, nil
}

// scheduleRetry puts cmd back on the result queue with the next attempt
// number after the backoff delay for the current one.
func (s *Service) scheduleRetry(ctx context.Context, cmd Command) bool {
	delay := s.backoff.Delay(cmd.Attempt)
	next := cmd
	next.Attempt++
	task := TaskQueueData{Cmd: next, Tenant: s.tenant, Priority: PriorityLow}
	if !s.resultQueue.EnqueueAt(ctx, task, s.now().Add(delay)) {
		s.logger.Error().Str("docId", cmd.DocID).Int("attempt", next.Attempt).Msg("schedule retry failed")
		return false
	}
	s.logger.Info().Str("docId", cmd.DocID).Int("attempt", next.Attempt).Dur("delay", delay).Msg("save callback retry scheduled")
	return true
}
