package docservice

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/relaydoc/internal/observability"
)

const editorBinName = "Editor.bin"

// DispatchOpen makes sure a conversion for cmd.DocID is queued at most once.
// The caller that wins the None->WaitQueue transition enqueues; everyone else
// reports what the winner left behind.
func (s *Service) DispatchOpen(ctx context.Context, conn *ConnInfo, cmd Command) (OutputData, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_open", attribute.String("doc.id", cmd.DocID))
	defer span.End()
	if !validDocID(cmd.DocID) {
		return OutputData{}, ErrInvalidInput
	}
	if cmd.Command == "" {
		cmd.Command = "open"
	}
	if err := s.sealPasswords(&cmd); err != nil {
		return OutputData{}, err
	}
	docID := cmd.DocID
	baseURL := ""
	if conn != nil {
		baseURL = conn.BaseURL
	}
	upsert, err := s.records.Upsert(ctx, s.tenant, UpsertRequest{
		Key:          docID,
		BaseURL:      baseURL,
		Callback:     cmd.Callback,
		OriginFormat: cmd.Format,
		UserIndex:    cmd.UserIndex,
	})
	if err != nil {
		return OutputData{}, fmt.Errorf("docservice: upsert %s: %w", docID, err)
	}

	output := OutputData{Type: cmd.Command}
	needAddTask := upsert.IsInsert
	if !needAddTask {
		var status FileStatus
		output, status, err = s.Resolve(ctx, cmd, docID, conn, nil)
		if err != nil {
			return output, err
		}
		needAddTask = status == StatusNone
	}
	if conn != nil && conn.Encrypted {
		if output.Status != OutputUpdateVersion {
			output.Status = ""
		}
		return output, nil
	}
	if !needAddTask {
		return output, nil
	}

	stamp := s.currentMinute()
	applied, err := s.transition(ctx, docID, RecordUpdate{Status: StatusWaitQueue, StatusInfo: stamp}, MaskStatus(StatusNone))
	if err != nil {
		return output, err
	}
	if !applied {
		var status FileStatus
		output, status, err = s.Resolve(ctx, cmd, docID, conn, nil)
		if err != nil || status != StatusNone {
			return output, err
		}
		// Resolve released a stale WaitQueue; claim it once more.
		stamp = s.currentMinute()
		applied, err = s.transition(ctx, docID, RecordUpdate{Status: StatusWaitQueue, StatusInfo: stamp}, MaskStatus(StatusNone))
		if err != nil {
			return output, err
		}
		if !applied {
			output, _, err = s.Resolve(ctx, cmd, docID, conn, nil)
			return output, err
		}
	}
	span.SetAttributes(attribute.Bool("doc.queued", true))

	task := TaskQueueData{Cmd: cmd, Tenant: s.tenant, ToFile: editorBinName, Priority: PriorityHigh}
	forgotten, err := s.listForgotten(ctx, docID)
	if err != nil {
		s.logger.Warn().Err(err).Str("docId", docID).Msg("list forgotten failed")
	}
	if len(forgotten) > 0 {
		task.Cmd.URL = ""
		task.Cmd.Forgotten = docID
		s.logger.Info().Str("docId", docID).Msg("open from forgotten")
	}
	if err := s.enqueueConvert(ctx, task); err != nil {
		if _, rbErr := s.TransitionIf(ctx, docID, StatusWaitQueue, stamp, StatusNone, CodeNoError); rbErr != nil {
			s.logger.Warn().Err(rbErr).Str("docId", docID).Msg("release wait queue failed")
		}
		return output, err
	}
	output.Status = ""
	output.Data = nil
	return output, nil
}

// DispatchReopen requeues a document that stopped in NeedParams or
// NeedPassword once the user supplied what was missing.
func (s *Service) DispatchReopen(ctx context.Context, conn *ConnInfo, cmd Command) (OutputData, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_reopen", attribute.String("doc.id", cmd.DocID))
	defer span.End()
	if !validDocID(cmd.DocID) {
		return OutputData{}, ErrInvalidInput
	}
	cmd.Command = "reopen"
	if err := s.sealPasswords(&cmd); err != nil {
		return OutputData{}, err
	}
	docID := cmd.DocID
	output := OutputData{Type: cmd.Command}

	rec, err := s.records.Select(ctx, s.tenant, docID)
	if err != nil && !isNotFound(err) {
		return output, fmt.Errorf("docservice: select %s: %w", docID, err)
	}
	if cmd.Password != "" && rec.Password.Current != "" {
		output, _, err = s.Resolve(ctx, cmd, docID, conn, nil)
		return output, err
	}
	if cmd.Password != "" && !s.openProtectedFile {
		return output, nil
	}

	expected := StatusNeedParams
	if cmd.Password != "" {
		expected = StatusNeedPassword
	}
	applied, err := s.transition(ctx, docID, RecordUpdate{Status: StatusWaitQueue, StatusInfo: s.currentMinute()}, MaskStatus(expected))
	if err != nil {
		return output, err
	}
	if !applied {
		output.Status = OutputNeedPassword
		output.Data = CodeConvertPassword
		return output, nil
	}
	cmd.URL = ""
	if cmd.Password != "" && conn != nil {
		cmd.UserConnectionID = conn.ConnectionID
	}
	task := TaskQueueData{Cmd: cmd, Tenant: s.tenant, ToFile: editorBinName, FromSettings: true, Priority: PriorityHigh}
	return output, s.enqueueConvert(ctx, task)
}

// DispatchSave stores one part of an upload and queues the conversion once
// every part has arrived.
func (s *Service) DispatchSave(ctx context.Context, cmd Command) (OutputData, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_save", attribute.String("doc.id", cmd.DocID))
	defer span.End()
	if !validDocID(cmd.DocID) {
		return OutputData{}, ErrInvalidInput
	}
	cmd.Command = "save"
	if err := s.sealPasswords(&cmd); err != nil {
		return OutputData{}, err
	}
	format := cmd.Format
	if format == "" {
		format = "bin"
	}
	complete, err := s.saveParts(ctx, &cmd, "Editor."+format)
	if err != nil {
		return OutputData{Type: cmd.Command}, err
	}
	if complete {
		if err := s.enqueueConvert(ctx, s.saveTask(cmd, PriorityLow)); err != nil {
			return OutputData{Type: cmd.Command}, err
		}
	}
	return OutputData{Type: cmd.Command, Status: OutputOk, Data: cmd.SaveKey}, nil
}

// DispatchSaveFromOrigin rebuilds a document from its origin file plus the
// uploaded change set.
func (s *Service) DispatchSaveFromOrigin(ctx context.Context, cmd Command) (OutputData, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_save_from_origin", attribute.String("doc.id", cmd.DocID))
	defer span.End()
	if !validDocID(cmd.DocID) {
		return OutputData{}, ErrInvalidInput
	}
	cmd.Command = "savefromorigin"
	if err := s.sealPasswords(&cmd); err != nil {
		return OutputData{}, err
	}
	complete, err := s.saveParts(ctx, &cmd, "changes0.json")
	if err != nil {
		return OutputData{Type: cmd.Command}, err
	}
	if complete {
		rec, err := s.records.Select(ctx, s.tenant, cmd.DocID)
		if err != nil && !isNotFound(err) {
			return OutputData{Type: cmd.Command}, fmt.Errorf("docservice: select %s: %w", cmd.DocID, err)
		}
		if rec.Password.Initial != "" {
			cmd.Password = rec.Password.Initial
		} else if rec.Password.Current != "" {
			cmd.Password = rec.Password.Current
		}
		task := s.saveTask(cmd, PriorityLow)
		task.FromOrigin = true
		task.FromChanges = true
		if err := s.enqueueConvert(ctx, task); err != nil {
			return OutputData{Type: cmd.Command}, err
		}
	}
	return OutputData{Type: cmd.Command, Status: OutputOk, Data: cmd.SaveKey}, nil
}

// DispatchSendMailMerge starts a mail merge run. Each conversion produces a
// batch of records; OnTaskComplete queues the next batch.
func (s *Service) DispatchSendMailMerge(ctx context.Context, cmd Command) (OutputData, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_sendmm", attribute.String("doc.id", cmd.DocID))
	defer span.End()
	if !validDocID(cmd.DocID) || cmd.MailMergeSend == nil {
		return OutputData{}, ErrInvalidInput
	}
	cmd.Command = "sendmm"
	mm := *cmd.MailMergeSend
	cmd.MailMergeSend = &mm
	filename := editorBinName
	if mm.IsJSONKey {
		filename = "Editor.json"
	}
	complete, err := s.saveParts(ctx, &cmd, filename)
	if err != nil {
		return OutputData{Type: cmd.Command}, err
	}
	output := OutputData{Type: cmd.Command, Status: OutputOk, Data: cmd.SaveKey}
	if !complete || mm.IsJSONKey {
		return output, nil
	}

	rec, err := s.records.Select(ctx, s.tenant, cmd.DocID)
	if err != nil && !isNotFound(err) {
		return output, fmt.Errorf("docservice: select %s: %w", cmd.DocID, err)
	}
	switch target := ClassifyCallback(rec.CallbackByUserIndex(cmd.UserIndex)).(type) {
	case GenericCallback:
		mm.URL = target.URL
		mm.BaseURL = rec.BaseURL
		mm.JSONKey = cmd.SaveKey
		mm.RecordErrorCount = 0
		if err := s.addRandomKeyTask(ctx, &cmd); err != nil {
			return output, err
		}
		if err := s.enqueueConvert(ctx, s.saveTask(cmd, PriorityLow)); err != nil {
			return output, err
		}
		output.Data = cmd.SaveKey
		return output, nil
	case WopiTarget:
		s.logger.Warn().Str("docId", cmd.DocID).Msg("mail merge unexpected with wopi")
	}
	output.Status = OutputErr
	output.Data = CodeUnknown
	return output, nil
}

// DispatchForceSave queues a conversion of the pending changes whose result
// is delivered as a forced save. It reports false when the document is
// unknown.
func (s *Service) DispatchForceSave(ctx context.Context, cmd Command, priority QueuePriority) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_force_save", attribute.String("doc.id", cmd.DocID))
	defer span.End()
	if !validDocID(cmd.DocID) {
		return false, ErrInvalidInput
	}
	rec, err := s.records.Select(ctx, s.tenant, cmd.DocID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("docservice: select %s: %w", cmd.DocID, err)
	}
	if cmd.Command == "" {
		cmd.Command = "sfcm"
	}
	if err := s.addRandomKeyTask(ctx, &cmd); err != nil {
		return false, err
	}
	s.prepareChangesCommand(&cmd, rec)
	if priority <= 0 {
		priority = PriorityLow
	}
	task := s.saveTask(cmd, priority)
	task.FromChanges = true
	if err := s.enqueueConvert(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// DispatchSaveFromChanges queues the final save of a document that every
// editor has left. statusInfo is the SaveVersion tag the caller stamped.
func (s *Service) DispatchSaveFromChanges(ctx context.Context, docID string, statusInfo int64, cmd Command) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "docservice.dispatch_save_from_changes", attribute.String("doc.id", docID))
	defer span.End()
	if !validDocID(docID) {
		return false, ErrInvalidInput
	}
	rec, err := s.records.Select(ctx, s.tenant, docID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("docservice: select %s: %w", docID, err)
	}
	if rec.Status != StatusSaveVersion || rec.StatusInfo != statusInfo {
		return false, nil
	}
	cmd.Command = "sfc"
	cmd.DocID = docID
	cmd.StatusInfoIn = statusInfo
	if err := s.addRandomKeyTask(ctx, &cmd); err != nil {
		return false, err
	}
	s.prepareChangesCommand(&cmd, rec)
	task := s.saveTask(cmd, PriorityNormal)
	task.FromChanges = true
	if err := s.enqueueConvert(ctx, task); err != nil {
		return false, err
	}
	if s.ShuttingDown() {
		if err := s.editors.AddShutdown(ctx, s.shutdownKey, docID); err != nil {
			s.logger.Warn().Err(err).Str("docId", docID).Msg("track shutdown failed")
		}
	}
	return true, nil
}

// prepareChangesCommand copies what a changes build needs from the record.
func (s *Service) prepareChangesCommand(cmd *Command, rec DocumentRecord) {
	if cmd.Password == "" {
		cmd.Password = rec.Password.Current
	}
	cmd.OriginFormat = rec.OriginFormat
	cmd.WopiParams = wopiParamsFromRecord(rec, 0)
	if rec.OriginFormat != "" && (cmd.OutputFormat == "" || cmd.WopiParams != nil) {
		cmd.OutputFormat = rec.OriginFormat
	}
	if cmd.OutputPath == "" && cmd.OutputFormat != "" {
		cmd.OutputPath = "output." + cmd.OutputFormat
	}
	if rec.Additional.DocumentLayout != "" {
		cmd.JSONParams = mergeDocumentLayout(cmd.JSONParams, rec.Additional.DocumentLayout)
	}
}

func mergeDocumentLayout(params json.RawMessage, layout string) json.RawMessage {
	fields := map[string]json.RawMessage{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &fields)
	}
	fields["documentLayout"] = json.RawMessage(layout)
	if !json.Valid(fields["documentLayout"]) {
		b, _ := json.Marshal(layout)
		fields["documentLayout"] = b
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return params
	}
	return out
}

func (s *Service) saveTask(cmd Command, priority QueuePriority) TaskQueueData {
	return TaskQueueData{
		Cmd:      cmd,
		Tenant:   s.tenant,
		ToFile:   "output." + cmd.OutputFormat,
		Priority: priority,
	}
}

func (s *Service) enqueueConvert(ctx context.Context, task TaskQueueData) error {
	if !s.convertQueue.Enqueue(ctx, task) {
		return fmt.Errorf("docservice: enqueue %s: %w", task.Cmd.DocID, ErrQueueFull)
	}
	s.logger.Debug().Str("docId", task.Cmd.DocID).Str("cmd", task.Cmd.Command).Int("priority", int(task.Priority)).Msg("task queued")
	return nil
}

// saveParts stores the uploaded bytes of cmd under its save key and reports
// whether the upload is complete.
func (s *Service) saveParts(ctx context.Context, cmd *Command, filename string) (bool, error) {
	saveType := SaveCompleteAll
	if cmd.SaveType != nil {
		saveType = *cmd.SaveType
	}
	if saveType != SaveCompleteAll {
		ext := path.Ext(filename)
		index := cmd.SaveIndex
		if index <= 0 {
			index = 1
		}
		filename = strings.TrimSuffix(filename, ext) + strconv.Itoa(index) + ext
	}
	if (saveType == SavePartStart || saveType == SaveCompleteAll) && cmd.SaveKey == "" {
		if err := s.addRandomKeyTask(ctx, cmd); err != nil {
			return false, err
		}
	} else if cmd.SaveKey != "" && !validSaveKey(cmd.SaveKey) {
		return false, ErrInvalidInput
	}
	if cmd.URL != "" {
		return true, nil
	}
	if len(cmd.Data) > 0 && cmd.SaveKey != "" {
		target := cmd.DocID + cmd.SaveKey + "/" + filename
		if err := s.storage.Put(ctx, target, cmd.Data); err != nil {
			return false, fmt.Errorf("docservice: save part %s: %w", target, err)
		}
		cmd.Data = nil
		return saveType == SaveComplete || saveType == SaveCompleteAll, nil
	}
	return true, nil
}

// sealPasswords encrypts the passwords a client sent before they are stored,
// queued or compared.
func (s *Service) sealPasswords(cmd *Command) error {
	var err error
	if cmd.Password, err = s.passwords.Seal(cmd.Password); err != nil {
		return fmt.Errorf("docservice: seal password: %w", err)
	}
	if cmd.SavePassword, err = s.passwords.Seal(cmd.SavePassword); err != nil {
		return fmt.Errorf("docservice: seal password: %w", err)
	}
	return nil
}

// addRandomKeyTask allocates a fresh save session for cmd.DocID.
func (s *Service) addRandomKeyTask(ctx context.Context, cmd *Command) error {
	key, err := s.records.InsertRandomKey(ctx, s.tenant, cmd.DocID)
	if err != nil {
		return fmt.Errorf("docservice: random key %s: %w", cmd.DocID, err)
	}
	cmd.SaveKey = strings.TrimPrefix(key, cmd.DocID)
	return nil
}

// validSaveKey accepts the "_<id>" suffixes produced by addRandomKeyTask.
func validSaveKey(saveKey string) bool {
	if !strings.HasPrefix(saveKey, "_") || len(saveKey) < 2 {
		return false
	}
	return !strings.ContainsAny(saveKey, "/\\") && !strings.Contains(saveKey, "..")
}
