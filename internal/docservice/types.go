package docservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrQueueFull        = errors.New("queue full")
	ErrNotImplemented   = errors.New("not implemented")
	ErrCallbackRejected = errors.New("callback rejected")
)

// CallbackError reports a non-2xx answer from an integrator endpoint.
// StatusCode is zero when the request never produced a response.
type CallbackError struct {
	StatusCode int
	Body       string
}

func (e *CallbackError) Error() string {
	if e.StatusCode == 0 {
		return "callback request failed"
	}
	return fmt.Sprintf("callback request failed: status=%d", e.StatusCode)
}

func (e *CallbackError) Is(target error) bool {
	return target == ErrCallbackRejected
}

// FileStatus is the per-document lifecycle status stored in the record store.
type FileStatus int

const (
	StatusNone          FileStatus = 0
	StatusOk            FileStatus = 1
	StatusWaitQueue     FileStatus = 2
	StatusNeedParams    FileStatus = 3
	StatusErr           FileStatus = 5
	StatusErrToReload   FileStatus = 6
	StatusSaveVersion   FileStatus = 7
	StatusUpdateVersion FileStatus = 8
	StatusNeedPassword  FileStatus = 9
)

func (s FileStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOk:
		return "ok"
	case StatusWaitQueue:
		return "waitqueue"
	case StatusNeedParams:
		return "needparams"
	case StatusErr:
		return "err"
	case StatusErrToReload:
		return "errtoreload"
	case StatusSaveVersion:
		return "saveversion"
	case StatusUpdateVersion:
		return "updateversion"
	case StatusNeedPassword:
		return "needpassword"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Worker result and error codes shared with conversion workers.
const (
	CodeNoError               = 0
	CodeUnknown               = -1
	CodeConvert               = -80
	CodeConvertDownload       = -81
	CodeConvertUnknownFormat  = -82
	CodeConvertTimeout        = -83
	CodeConvertReadFile       = -84
	CodeConvertDRMUnsupported = -85
	CodeConvertCorrupted      = -86
	CodeConvertLibreOffice    = -87
	CodeConvertParams         = -88
	CodeConvertNeedParams     = -89
	CodeConvertDRM            = -90
	CodeConvertPassword       = -91
	CodeConvertICU            = -92
	CodeConvertLimits         = -93
	CodeConvertTemporary      = -94
	CodeConvertDetect         = -95
	CodeConvertCellLimits     = -96
	CodeConvertDeadLetter     = -99
	CodeEditorChanges         = -160
)

// Outward statuses reported by resolve.
const (
	OutputOk            = "ok"
	OutputErr           = "err"
	OutputNeedParams    = "needparams"
	OutputNeedPassword  = "needpassword"
	OutputUpdateVersion = "updateversion"
)

type ForceSaveType int

const (
	ForceSaveCommand  ForceSaveType = 0
	ForceSaveButton   ForceSaveType = 1
	ForceSaveTimeout  ForceSaveType = 2
	ForceSaveForm     ForceSaveType = 3
	ForceSaveInternal ForceSaveType = 4
)

type UserAction int

const (
	UserActionOut             UserAction = 0
	UserActionIn              UserAction = 1
	UserActionForceSaveButton UserAction = 2
)

// IntegratorStatus is the status code carried by outbound notifications.
type IntegratorStatus int

const (
	IntegratorEditing        IntegratorStatus = 1
	IntegratorMustSave       IntegratorStatus = 2
	IntegratorCorrupted      IntegratorStatus = 3
	IntegratorClosed         IntegratorStatus = 4
	IntegratorMailMerge      IntegratorStatus = 5
	IntegratorMustSaveForce  IntegratorStatus = 6
	IntegratorCorruptedForce IntegratorStatus = 7
)

type ServerCommandError int

const (
	CommandNoError         ServerCommandError = 0
	CommandDocumentIDError ServerCommandError = 1
	CommandParseError      ServerCommandError = 2
	CommandUnknownError    ServerCommandError = 3
	CommandNotModified     ServerCommandError = 4
	CommandUnknownCommand  ServerCommandError = 5
	CommandToken           ServerCommandError = 6
	CommandTokenExpire     ServerCommandError = 7
)

type URLType int

const (
	URLSession   URLType = 0
	URLTemporary URLType = 1
)

type QueuePriority int

const (
	PriorityVeryLow  QueuePriority = 0
	PriorityLow      QueuePriority = 1
	PriorityNormal   QueuePriority = 4
	PriorityHigh     QueuePriority = 6
	PriorityVeryHigh QueuePriority = 9
)

type PublishType int

const (
	PublishReceiveTask   PublishType = 7
	PublishUpdateVersion PublishType = 17
)

type SaveType int

const (
	SavePartStart   SaveType = 0
	SavePart        SaveType = 1
	SaveComplete    SaveType = 2
	SaveCompleteAll SaveType = 3
)

type ForceSave struct {
	Type            ForceSaveType `json:"type"`
	Time            int64         `json:"time,omitempty"`
	Index           int           `json:"index,omitempty"`
	AuthorUserID    string        `json:"authoruserid,omitempty"`
	AuthorUserIndex *int          `json:"authoruserindex,omitempty"`
}

type MailMergeSend struct {
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`
	Subject          string `json:"subject,omitempty"`
	MailFormat       string `json:"mailFormat,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	Message          string `json:"message,omitempty"`
	RecordFrom       int    `json:"recordFrom"`
	RecordTo         int    `json:"recordTo"`
	RecordCount      int    `json:"recordCount"`
	RecordErrorCount int    `json:"recordErrorCount"`
	UserID           string `json:"userId,omitempty"`
	URL              string `json:"url,omitempty"`
	BaseURL          string `json:"baseUrl,omitempty"`
	JSONKey          string `json:"jsonkey,omitempty"`
	IsJSONKey        bool   `json:"isJsonKey,omitempty"`
}

// Command is the unit passed from the HTTP layer through the queue to the
// completion handler. The short lowercase keys are part of the wire contract.
type Command struct {
	Command            string          `json:"c"`
	DocID              string          `json:"id"`
	UserID             string          `json:"userid,omitempty"`
	UserIndex          int             `json:"userindex,omitempty"`
	UserName           string          `json:"username,omitempty"`
	Data               []byte          `json:"-"`
	Format             string          `json:"format,omitempty"`
	URL                string          `json:"url,omitempty"`
	Callback           string          `json:"callback,omitempty"`
	Title              string          `json:"title,omitempty"`
	OutputFormat       string          `json:"outputformat,omitempty"`
	OutputPath         string          `json:"outputpath,omitempty"`
	SaveType           *SaveType       `json:"savetype,omitempty"`
	SaveIndex          int             `json:"saveindex,omitempty"`
	StatusInfo         int             `json:"status_info"`
	SaveKey            string          `json:"savekey,omitempty"`
	UserConnectionID   string          `json:"userconnectionid,omitempty"`
	JSONParams         json.RawMessage `json:"jsonparams,omitempty"`
	LCID               int             `json:"lcid,omitempty"`
	UserActionID       string          `json:"useractionid,omitempty"`
	UserActionIndex    int             `json:"useractionindex,omitempty"`
	ForceSave          *ForceSave      `json:"forcesave,omitempty"`
	UserData           string          `json:"userdata,omitempty"`
	FormData           json.RawMessage `json:"formdata,omitempty"`
	Inline             bool            `json:"inline,omitempty"`
	Password           string          `json:"password,omitempty"`
	SavePassword       string          `json:"savepassword,omitempty"`
	OutputURLs         bool            `json:"outputurls,omitempty"`
	Encrypted          bool            `json:"encrypted,omitempty"`
	RedisKey           string          `json:"rediskey,omitempty"`
	Forgotten          string          `json:"forgotten,omitempty"`
	StatusInfoIn       int64           `json:"status_info_in,omitempty"`
	Attempt            int             `json:"attempt,omitempty"`
	IsSaveAs           bool            `json:"isSaveAs,omitempty"`
	SaveAsPath         string          `json:"saveAsPath,omitempty"`
	MailMergeSend      *MailMergeSend  `json:"mailmergesend,omitempty"`
	WopiParams         *WopiParams     `json:"wopiParams,omitempty"`
	ExternalChangeInfo json.RawMessage `json:"externalChangeInfo,omitempty"`
	OriginFormat       string          `json:"originformat,omitempty"`
}

// TaskQueueData wraps a command for the conversion and result queues.
type TaskQueueData struct {
	ID           string        `json:"id,omitempty"`
	Cmd          Command       `json:"cmd"`
	Tenant       string        `json:"tenant,omitempty"`
	ToFile       string        `json:"toFile,omitempty"`
	FromOrigin   bool          `json:"fromOrigin,omitempty"`
	FromSettings bool          `json:"fromSettings,omitempty"`
	FromChanges  bool          `json:"fromChanges,omitempty"`
	Priority     QueuePriority `json:"priority"`
	NotBefore    time.Time     `json:"notBefore,omitempty"`
}

type UserCallback struct {
	UserIndex int    `json:"userIndex"`
	Callback  string `json:"callback"`
}

type DocumentPassword struct {
	Initial string `json:"initial,omitempty"`
	Current string `json:"current,omitempty"`
}

type DocumentAdditional struct {
	ShardKey       string `json:"shardKey,omitempty"`
	WopiSrc        string `json:"wopiSrc,omitempty"`
	OpenedAt       int64  `json:"openedAt,omitempty"`
	DocumentLayout string `json:"documentLayout,omitempty"`
}

type DocumentRecord struct {
	Tenant       string             `json:"tenant"`
	Key          string             `json:"key"`
	Status       FileStatus         `json:"status"`
	StatusInfo   int64              `json:"statusInfo"`
	LastOpenDate time.Time          `json:"lastOpenDate"`
	CreatedAt    time.Time          `json:"createdAt"`
	UserIndex    int                `json:"userIndex"`
	OriginFormat string             `json:"originFormat,omitempty"`
	Callbacks    []UserCallback     `json:"callbacks,omitempty"`
	BaseURL      string             `json:"baseUrl,omitempty"`
	Password     DocumentPassword   `json:"password"`
	Additional   DocumentAdditional `json:"additional"`
}

// CallbackByUserIndex returns the callback registered by userIndex, falling
// back to the most recent registration.
func (r DocumentRecord) CallbackByUserIndex(userIndex int) string {
	if len(r.Callbacks) == 0 {
		return ""
	}
	if userIndex > 0 {
		for i := len(r.Callbacks) - 1; i >= 0; i-- {
			if r.Callbacks[i].UserIndex == userIndex {
				return r.Callbacks[i].Callback
			}
		}
	}
	return r.Callbacks[len(r.Callbacks)-1].Callback
}

// RecordUpdate carries the fields written by Update and UpdateIf. Status and
// StatusInfo are always written; the remaining fields only when non-empty.
type RecordUpdate struct {
	Status     FileStatus
	StatusInfo int64
	Password   string
	Callback   string
	BaseURL    string
}

// RecordMask constrains a conditional write. Nil fields match anything.
type RecordMask struct {
	Status     *FileStatus
	StatusInfo *int64
}

func MaskStatus(status FileStatus) RecordMask {
	return RecordMask{Status: &status}
}

func MaskExact(status FileStatus, statusInfo int64) RecordMask {
	return RecordMask{Status: &status, StatusInfo: &statusInfo}
}

func (m RecordMask) Matches(rec DocumentRecord) bool {
	if m.Status != nil && *m.Status != rec.Status {
		return false
	}
	if m.StatusInfo != nil && *m.StatusInfo != rec.StatusInfo {
		return false
	}
	return true
}

type UpsertRequest struct {
	Key          string
	BaseURL      string
	Callback     string
	OriginFormat string
	UserIndex    int
}

type UpsertResult struct {
	IsInsert  bool
	UserIndex int
}

type ConnInfo struct {
	ConnectionID       string
	BaseURL            string
	UserID             string
	Viewer             bool
	IsCloseCoAuthoring bool
	Encrypted          bool
}

type OutputData struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Data     any    `json:"data,omitempty"`
	FileType string `json:"filetype,omitempty"`
	OpenedAt int64  `json:"openedAt,omitempty"`
}

// AdditionalOutput collects the URL parameters a resolve could not fill in
// because no connection was available to sign against.
type AdditionalOutput struct {
	NeedURLKey               string          `json:"needUrlKey,omitempty"`
	NeedURLMethod            int             `json:"needUrlMethod,omitempty"`
	NeedURLType              URLType         `json:"needUrlType,omitempty"`
	NeedURLIsCorrectPassword *bool           `json:"needUrlIsCorrectPassword,omitempty"`
	CreationDate             int64           `json:"creationDate,omitempty"`
	OpenedAt                 int64           `json:"openedAt,omitempty"`
	Row                      *DocumentRecord `json:"-"`
}

type OutputAction struct {
	Type   UserAction `json:"type"`
	UserID string     `json:"userid"`
}

type OutputMailMerge struct {
	From             string `json:"from,omitempty"`
	Message          string `json:"message,omitempty"`
	RecordCount      int    `json:"recordCount"`
	RecordErrorCount int    `json:"recordErrorCount"`
	RecordIndex      int    `json:"recordIndex"`
	Subject          string `json:"subject,omitempty"`
	Title            string `json:"title,omitempty"`
	To               string `json:"to,omitempty"`
	Type             string `json:"type,omitempty"`
	UserID           string `json:"userid,omitempty"`
}

// OutputSfc is the notification posted to a generic callback integrator.
type OutputSfc struct {
	Key           string           `json:"key"`
	Status        IntegratorStatus `json:"status"`
	URL           string           `json:"url,omitempty"`
	FileType      string           `json:"filetype,omitempty"`
	ChangesURL    string           `json:"changesurl,omitempty"`
	History       json.RawMessage  `json:"history,omitempty"`
	Users         []string         `json:"users,omitempty"`
	Actions       []OutputAction   `json:"actions,omitempty"`
	MailMerge     *OutputMailMerge `json:"mailMerge,omitempty"`
	UserData      string           `json:"userdata,omitempty"`
	FormsDataURL  string           `json:"formsdataurl,omitempty"`
	LastSave      string           `json:"lastsave,omitempty"`
	NotModified   *bool            `json:"notmodified,omitempty"`
	ForceSaveType *ForceSaveType   `json:"forcesavetype,omitempty"`
	Encrypted     bool             `json:"encrypted,omitempty"`
	Token         string           `json:"token,omitempty"`
}

// CallbackReply is the parsed integrator answer.
type CallbackReply struct {
	Error ServerCommandError `json:"error"`
}

// ForceSaveCheckpoint records the last forced save of a document.
type ForceSaveCheckpoint struct {
	Type    ForceSaveType `json:"type"`
	Time    int64         `json:"time"`
	Index   int           `json:"index"`
	Ended   bool          `json:"ended"`
	Success bool          `json:"success"`
	URL     string        `json:"url,omitempty"`
}

type Event struct {
	Type                     PublishType `json:"type"`
	Tenant                   string      `json:"tenant,omitempty"`
	DocID                    string      `json:"docId"`
	Cmd                      *Command    `json:"cmd,omitempty"`
	Output                   *OutputData `json:"output,omitempty"`
	NeedURLKey               string      `json:"needUrlKey,omitempty"`
	NeedURLMethod            int         `json:"needUrlMethod,omitempty"`
	NeedURLType              URLType     `json:"needUrlType,omitempty"`
	NeedURLIsCorrectPassword *bool       `json:"needUrlIsCorrectPassword,omitempty"`
	CreationDate             int64       `json:"creationDate,omitempty"`
	OpenedAt                 int64       `json:"openedAt,omitempty"`
	Success                  bool        `json:"success,omitempty"`
}
