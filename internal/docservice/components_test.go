package docservice

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestClassifyCallback(t *testing.T) {
	if ClassifyCallback("   ") != nil {
		t.Fatalf("expected nil target for empty callback")
	}
	generic, ok := ClassifyCallback("https://integrator.example/cb?doc=1").(GenericCallback)
	if !ok || generic.URL != "https://integrator.example/cb?doc=1" {
		t.Fatalf("expected generic callback, got %#v", generic)
	}
	encoded, err := EncodeWopiCallback(WopiParams{UserAuth: WopiUserAuth{WopiSrc: "https://wopi.example/files/1", AccessToken: "t"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	wopi, ok := ClassifyCallback(encoded).(WopiTarget)
	if !ok || wopi.Params.UserAuth.WopiSrc != "https://wopi.example/files/1" || wopi.Params.UserAuth.AccessToken != "t" {
		t.Fatalf("expected wopi target, got %#v", wopi)
	}
	if _, ok := ClassifyCallback(`{"userAuth":{}}`).(GenericCallback); !ok {
		t.Fatalf("expected JSON without wopiSrc to be treated as a plain callback")
	}
}

func TestCallbackByUserIndex(t *testing.T) {
	rec := DocumentRecord{Callbacks: []UserCallback{
		{UserIndex: 1, Callback: "https://a.example"},
		{UserIndex: 2, Callback: "https://b.example"},
		{UserIndex: 3, Callback: "https://c.example"},
	}}
	if got := rec.CallbackByUserIndex(2); got != "https://b.example" {
		t.Fatalf("expected exact match, got %q", got)
	}
	if got := rec.CallbackByUserIndex(9); got != "https://c.example" {
		t.Fatalf("expected last callback as fallback, got %q", got)
	}
	if got := (DocumentRecord{}).CallbackByUserIndex(1); got != "" {
		t.Fatalf("expected empty callback, got %q", got)
	}
}

func TestPasswordCipherRoundTrip(t *testing.T) {
	cipher := NewPasswordCipher("secret")
	a, err := cipher.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	b, _ := cipher.Encrypt("hunter2")
	if a == b {
		t.Fatalf("expected distinct ciphertexts for the same password")
	}
	plain, err := cipher.Decrypt(a)
	if err != nil || plain != "hunter2" {
		t.Fatalf("expected round trip, got %q err=%v", plain, err)
	}
	if !cipher.Matches(a, b) {
		t.Fatalf("expected ciphertexts of the same password to match")
	}
	c, _ := cipher.Encrypt("other")
	if cipher.Matches(a, c) {
		t.Fatalf("expected different passwords not to match")
	}
	if cipher.Matches(a, "not-base64!") {
		t.Fatalf("expected garbage not to match")
	}
	foreign, _ := NewPasswordCipher("another").Encrypt("hunter2")
	if _, err := cipher.Decrypt(foreign); err == nil {
		t.Fatalf("expected ciphertext from another key to fail")
	}
	if empty, _ := cipher.Encrypt(""); empty != "" {
		t.Fatalf("expected empty password to stay empty")
	}
}

func TestURLSignerVerify(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	signer := NewURLSigner(URLSignerOptions{Secret: "s", TemporaryTTL: time.Minute, Now: func() time.Time { return now }})
	raw := signer.Sign("https://docs.example/", "doc 1/output.docx", URLTemporary)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse signed url failed: %v", err)
	}
	if u.Path != "/v1/files/doc 1/output.docx" {
		t.Fatalf("unexpected signed path %q", u.Path)
	}
	q := u.Query()
	if !signer.Verify("doc 1/output.docx", q.Get("expires"), q.Get("sig")) {
		t.Fatalf("expected signature to verify")
	}
	if signer.Verify("doc 1/other.docx", q.Get("expires"), q.Get("sig")) {
		t.Fatalf("expected signature bound to path")
	}
	later := NewURLSigner(URLSignerOptions{Secret: "s", Now: func() time.Time { return now.Add(2 * time.Minute) }})
	if later.Verify("doc 1/output.docx", q.Get("expires"), q.Get("sig")) {
		t.Fatalf("expected expired link to fail")
	}
}

func TestInMemoryBlobStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryBlobStorage(nil)
	for _, p := range []string{"doc/a.bin", "doc/b.bin", "doc_2/a.bin", "/other/x"} {
		if err := storage.Put(ctx, p, []byte(p)); err != nil {
			t.Fatalf("put %s failed: %v", p, err)
		}
	}
	list, _ := storage.List(ctx, "doc/")
	if strings.Join(list, ",") != "doc/a.bin,doc/b.bin" {
		t.Fatalf("unexpected list: %v", list)
	}
	if err := storage.Copy(ctx, "doc/a.bin", "forgotten/doc/output.bin"); err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	body, size, err := storage.Open(ctx, "forgotten/doc/output.bin")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != "doc/a.bin" || size != int64(len(data)) {
		t.Fatalf("unexpected copied data %q size=%d", data, size)
	}
	if err := storage.DeletePath(ctx, "doc/"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := storage.Get(ctx, "doc/a.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := storage.Get(ctx, "doc_2/a.bin"); err != nil {
		t.Fatalf("expected sibling prefix to survive: %v", err)
	}
	if _, err := storage.Get(ctx, "other/x"); err != nil {
		t.Fatalf("expected leading slash to be normalised: %v", err)
	}
	if blobExt("dir.v2/output") != "" || blobExt("a/output.docx") != ".docx" {
		t.Fatalf("unexpected blobExt results")
	}
}

func TestInMemoryRecordStoreConditionalWrites(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	store := NewInMemoryRecordStoreWithClock(func() time.Time { return now })

	res, err := store.Upsert(ctx, "t", UpsertRequest{Key: "doc", Callback: "https://a.example", OriginFormat: "docx"})
	if err != nil || !res.IsInsert || res.UserIndex != 1 {
		t.Fatalf("expected insert, got %+v err=%v", res, err)
	}
	res, _ = store.Upsert(ctx, "t", UpsertRequest{Key: "doc", Callback: "https://b.example"})
	if res.IsInsert || res.UserIndex != 2 {
		t.Fatalf("expected update with next user index, got %+v", res)
	}
	res, _ = store.Upsert(ctx, "t", UpsertRequest{Key: "doc", UserIndex: 3})
	if res.IsInsert || res.UserIndex != 3 {
		t.Fatalf("expected a matching client index to stay an update, got %+v", res)
	}
	rec, _ := store.Select(ctx, "t", "doc")
	if len(rec.Callbacks) != 2 || rec.Callbacks[1].UserIndex != 2 || rec.OriginFormat != "docx" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	n, _ := store.UpdateIf(ctx, "t", "doc", RecordUpdate{Status: StatusWaitQueue, StatusInfo: 1}, MaskStatus(StatusOk))
	if n != 0 {
		t.Fatalf("expected masked update to miss")
	}
	n, _ = store.UpdateIf(ctx, "t", "doc", RecordUpdate{Status: StatusWaitQueue, StatusInfo: 1}, MaskStatus(StatusNone))
	if n != 1 {
		t.Fatalf("expected masked update to apply")
	}
	n, _ = store.Update(ctx, "t", "doc", RecordUpdate{Status: StatusWaitQueue, StatusInfo: 1})
	if n != 0 {
		t.Fatalf("expected unchanged update to report zero rows")
	}
	n, _ = store.Update(ctx, "t", "doc", RecordUpdate{Status: StatusOk, Password: "p1"})
	if n != 1 {
		t.Fatalf("expected update to apply")
	}
	store.Update(ctx, "t", "doc", RecordUpdate{Status: StatusOk, Password: "p2"})
	rec, _ = store.Select(ctx, "t", "doc")
	if rec.Password.Initial != "p1" || rec.Password.Current != "p2" {
		t.Fatalf("expected initial password kept, got %+v", rec.Password)
	}
	if _, err := store.Select(ctx, "other-tenant", "doc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected tenants to be isolated, got %v", err)
	}

	key, err := store.InsertRandomKey(ctx, "t", "doc")
	if err != nil || !strings.HasPrefix(key, "doc_") {
		t.Fatalf("expected random key, got %q err=%v", key, err)
	}
	saveRec, _ := store.Select(ctx, "t", key)
	if saveRec.Status != StatusWaitQueue || saveRec.StatusInfo != minuteStamp(now) {
		t.Fatalf("expected save record in WaitQueue, got %+v", saveRec)
	}

	n, _ = store.RemoveIf(ctx, "t", "doc", MaskExact(StatusOk, 7))
	if n != 0 {
		t.Fatalf("expected guarded remove to miss")
	}
	n, _ = store.RemoveIf(ctx, "t", "doc", RecordMask{})
	if n != 1 {
		t.Fatalf("expected unguarded remove to apply")
	}
}

func TestInMemoryEditorState(t *testing.T) {
	ctx := context.Background()
	state := NewInMemoryEditorState()
	_ = state.JoinEditor(ctx, "t", "doc", "u1")
	_ = state.JoinEditor(ctx, "t", "doc", "u1")
	_ = state.JoinEditor(ctx, "t", "doc", "u2")
	if n, _ := state.EditorsCount(ctx, "t", "doc"); n != 2 {
		t.Fatalf("expected 2 distinct editors, got %d", n)
	}
	_ = state.LeaveEditor(ctx, "t", "doc", "u1")
	if n, _ := state.EditorsCount(ctx, "t", "doc"); n != 1 {
		t.Fatalf("expected 1 editor after leave, got %d", n)
	}

	_ = state.StartForceSave(ctx, "t", "doc", ForceSaveCheckpoint{Type: ForceSaveButton, Time: 100})
	if ok, _ := state.SetForceSave(ctx, "t", "doc", ForceSaveCheckpoint{Time: 99, Ended: true}); ok {
		t.Fatalf("expected stale checkpoint to be ignored")
	}
	if ok, _ := state.SetForceSave(ctx, "t", "doc", ForceSaveCheckpoint{Type: ForceSaveButton, Time: 100, Ended: true, Success: true}); !ok {
		t.Fatalf("expected matching checkpoint to apply")
	}
	cp, ok, _ := state.GetForceSave(ctx, "t", "doc")
	if !ok || !cp.Ended || !cp.Success {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	_ = state.SetSaved(ctx, "t", "doc", "1")
	if v, ok, _ := state.GetDelSaved(ctx, "t", "doc"); !ok || v != "1" {
		t.Fatalf("expected saved flag, got %q ok=%v", v, ok)
	}
	if _, ok, _ := state.GetDelSaved(ctx, "t", "doc"); ok {
		t.Fatalf("expected saved flag to be consumed")
	}

	_ = state.CleanDocumentOnExit(ctx, "t", "doc")
	if n, _ := state.EditorsCount(ctx, "t", "doc"); n != 0 {
		t.Fatalf("expected presence cleared, got %d", n)
	}
	if _, ok, _ := state.GetForceSave(ctx, "t", "doc"); ok {
		t.Fatalf("expected checkpoint cleared")
	}

	_ = state.AddShutdown(ctx, "shutdown", "b")
	_ = state.AddShutdown(ctx, "shutdown", "a")
	_ = state.RemoveShutdown(ctx, "shutdown", "b")
	if docs, _ := state.ListShutdown(ctx, "shutdown"); len(docs) != 1 || docs[0] != "a" {
		t.Fatalf("unexpected shutdown set: %v", docs)
	}
}

func TestInMemoryNotifierFansOut(t *testing.T) {
	notifier := NewInMemoryNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	first, err := notifier.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	second, _ := notifier.Subscribe(context.Background())
	if err := notifier.Publish(context.Background(), Event{Type: PublishUpdateVersion, DocID: "doc", Success: true}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			if ev.DocID != "doc" || !ev.Success {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event")
		}
	}
	cancel()
	select {
	case _, ok := <-first:
		if ok {
			t.Fatalf("expected cancelled subscription to close")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscription close")
	}
	_ = notifier.Close()
	if _, ok := <-second; ok {
		t.Fatalf("expected close to end remaining subscriptions")
	}
	if err := notifier.Publish(context.Background(), Event{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
}

func TestCloudEventEnvelopeRoundTrip(t *testing.T) {
	payload, err := encodeCloudEvent(Event{Type: PublishReceiveTask, DocID: "doc", Output: &OutputData{Type: "open", Status: OutputOk}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(payload), `"type":"relaydoc.receiveTask"`) {
		t.Fatalf("expected cloudevent type in %s", payload)
	}
	ev, err := decodeCloudEvent(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Type != PublishReceiveTask || ev.DocID != "doc" || ev.Output == nil || ev.Output.Status != OutputOk {
		t.Fatalf("unexpected decoded event: %+v", ev)
	}
}
