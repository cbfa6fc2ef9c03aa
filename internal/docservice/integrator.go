package docservice

import (
	"encoding/json"
	"strings"
)

type WopiFileInfo struct {
	BaseFileName   string `json:"BaseFileName,omitempty"`
	OwnerID        string `json:"OwnerId,omitempty"`
	Version        string `json:"Version,omitempty"`
	TemplateSource string `json:"TemplateSource,omitempty"`
	UserCanWrite   bool   `json:"UserCanWrite,omitempty"`
	SupportsLocks  bool   `json:"SupportsLocks,omitempty"`
}

type WopiCommonInfo struct {
	FileInfo WopiFileInfo `json:"fileInfo"`
	LockID   string       `json:"lockId,omitempty"`
}

type WopiUserAuth struct {
	WopiSrc        string `json:"wopiSrc"`
	AccessToken    string `json:"access_token"`
	AccessTokenTTL int64  `json:"access_token_ttl,omitempty"`
	HostSessionID  string `json:"hostSessionId,omitempty"`
	UserSessionID  string `json:"userSessionId,omitempty"`
}

// WopiParams is what a WOPI-hosted document stores in place of a callback URL.
type WopiParams struct {
	CommonInfo WopiCommonInfo `json:"commonInfo"`
	UserAuth   WopiUserAuth   `json:"userAuth"`
}

// IntegratorTarget is the destination of a save notification: either a
// GenericCallback or a WopiTarget.
type IntegratorTarget interface {
	isIntegratorTarget()
}

type GenericCallback struct {
	URL string
}

type WopiTarget struct {
	Params WopiParams
}

func (GenericCallback) isIntegratorTarget() {}
func (WopiTarget) isIntegratorTarget()      {}

// ClassifyCallback decides how a stored callback is delivered. JSON objects
// carrying a wopiSrc are WOPI descriptors; anything else is a plain URL.
// It returns nil for an empty callback.
func ClassifyCallback(callback string) IntegratorTarget {
	callback = strings.TrimSpace(callback)
	if callback == "" {
		return nil
	}
	if params, ok := ParseWopiCallback(callback); ok {
		return WopiTarget{Params: params}
	}
	return GenericCallback{URL: callback}
}

func ParseWopiCallback(callback string) (WopiParams, bool) {
	callback = strings.TrimSpace(callback)
	if !strings.HasPrefix(callback, "{") {
		return WopiParams{}, false
	}
	var params WopiParams
	if err := json.Unmarshal([]byte(callback), &params); err != nil {
		return WopiParams{}, false
	}
	if strings.TrimSpace(params.UserAuth.WopiSrc) == "" {
		return WopiParams{}, false
	}
	return params, true
}

// EncodeWopiCallback is the inverse of ParseWopiCallback.
func EncodeWopiCallback(params WopiParams) (string, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func wopiParamsFromRecord(rec DocumentRecord, userIndex int) *WopiParams {
	params, ok := ParseWopiCallback(rec.CallbackByUserIndex(userIndex))
	if !ok {
		return nil
	}
	return &params
}
