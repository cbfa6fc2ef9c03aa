package docservice

import (
	"context"
	"strings"
	"testing"
)

func TestDeliverMailMergePostsEachRecordAndQueuesNextBatch(t *testing.T) {
	rec := &callbackRecorder{statuses: []int{200, 500, 200}}
	srv := rec.server(t)
	h := newHarness(t, nil)
	ctx := context.Background()

	list := `<file field="a@example.com" path="m1.eml"/> <file field='b@example.com' path='m2.eml'/>`
	if err := h.storage.Put(ctx, "doc-m_k/output.xml", []byte(list)); err != nil {
		t.Fatalf("put list failed: %v", err)
	}
	cmd := Command{
		Command:      "sendmm",
		DocID:        "doc-m",
		SaveKey:      "_k",
		OutputPath:   "output.xml",
		OutputFormat: "xml",
		MailMergeSend: &MailMergeSend{
			From:        "noreply@example.com",
			Subject:     "Hello",
			MailFormat:  "html",
			RecordFrom:  0,
			RecordTo:    3,
			RecordCount: 4,
			UserID:      "u1",
			URL:         srv.URL,
			BaseURL:     "https://docs.example",
		},
	}
	if err := h.svc.deliverMailMerge(ctx, cmd); err != nil {
		t.Fatalf("deliver mail merge failed: %v", err)
	}
	if got := rec.hits.Load(); got != 2 {
		t.Fatalf("expected one post per record, got %d", got)
	}
	rec.mu.Lock()
	first, second := rec.bodies[0], rec.bodies[1]
	rec.mu.Unlock()
	if first.Status != IntegratorMailMerge || first.MailMerge == nil || first.MailMerge.To != "a@example.com" || first.MailMerge.RecordIndex != 0 {
		t.Fatalf("unexpected first message: %+v", first.MailMerge)
	}
	if !strings.HasPrefix(first.URL, "https://docs.example/v1/files/doc-m_k/m1.eml?") {
		t.Fatalf("expected signed message url, got %q", first.URL)
	}
	if second.MailMerge.To != "b@example.com" || second.MailMerge.RecordIndex != 1 {
		t.Fatalf("unexpected second message: %+v", second.MailMerge)
	}

	next := h.takeConvert(t, "sendmm")
	mm := next.Cmd.MailMergeSend
	if mm == nil || mm.RecordFrom != 2 || mm.RecordErrorCount != 1 {
		t.Fatalf("expected next batch from 2 with one error, got %+v", mm)
	}
	if next.Cmd.SaveKey == "_k" || next.Priority != PriorityLow || next.ToFile != "output.xml" {
		t.Fatalf("expected fresh save key for the next batch, got %+v", next)
	}
	if cmd.MailMergeSend.RecordFrom != 0 {
		t.Fatalf("expected caller command to be left untouched")
	}
}

func TestParseMailMergeFiles(t *testing.T) {
	files := parseMailMergeFiles([]byte(`<?xml version="1.0"?>
<file field="a@example.com" path="m1.eml"/>
<note>skip</note>
<file path='m2.eml' field='b@example.com'></file>
<file field="c@example.com" path="m3.eml"`))
	if len(files) != 2 {
		t.Fatalf("expected two well-formed entries, got %+v", files)
	}
	if files[0].field != "a@example.com" || files[0].path != "m1.eml" || files[1].field != "b@example.com" || files[1].path != "m2.eml" {
		t.Fatalf("unexpected entries: %+v", files)
	}
	if got := parseMailMergeFiles(nil); len(got) != 0 {
		t.Fatalf("expected no entries for an empty list, got %+v", got)
	}
}

func TestDeliverMailMergeStopsAfterLastRecord(t *testing.T) {
	rec := &callbackRecorder{}
	srv := rec.server(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.storage.Put(ctx, "doc-m_k/output.xml", []byte(`<file field="a@example.com" path="m1.eml"/>`)); err != nil {
		t.Fatalf("put list failed: %v", err)
	}
	cmd := Command{
		Command:       "sendmm",
		DocID:         "doc-m",
		SaveKey:       "_k",
		OutputPath:    "output.xml",
		StatusInfo:    CodeConvertCorrupted,
		MailMergeSend: &MailMergeSend{RecordFrom: 3, RecordTo: 3, RecordCount: 4, URL: srv.URL},
	}
	if err := h.svc.deliverMailMerge(ctx, cmd); err != nil {
		t.Fatalf("deliver mail merge failed: %v", err)
	}
	rec.mu.Lock()
	status := rec.bodies[0].Status
	rec.mu.Unlock()
	if status != IntegratorCorrupted {
		t.Fatalf("expected corrupted status for a failed batch, got %d", status)
	}
	if h.convert.Depth() != 0 {
		t.Fatalf("expected no further batch")
	}
}

func TestDispatchSendMailMergeNeedsGenericCallback(t *testing.T) {
	rec := &callbackRecorder{}
	srv := rec.server(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	h.openReady(t, "doc-mm", srv.URL)

	out, err := h.svc.DispatchSendMailMerge(ctx, Command{
		DocID:         "doc-mm",
		UserIndex:     1,
		Data:          []byte("bin"),
		OutputFormat:  "xml",
		MailMergeSend: &MailMergeSend{RecordTo: 1, RecordCount: 2, RecordErrorCount: 5},
	})
	if err != nil {
		t.Fatalf("dispatch sendmm failed: %v", err)
	}
	if out.Status != OutputOk {
		t.Fatalf("expected ok, got %+v", out)
	}
	task := h.takeConvert(t, "sendmm")
	mm := task.Cmd.MailMergeSend
	if mm.URL != srv.URL || mm.BaseURL != "https://docs.example" || mm.RecordErrorCount != 0 || mm.JSONKey == "" {
		t.Fatalf("unexpected mail merge parameters: %+v", mm)
	}
	if mm.JSONKey == task.Cmd.SaveKey {
		t.Fatalf("expected the batch to run under its own save key")
	}
	if _, err := h.storage.Get(ctx, "doc-mm"+mm.JSONKey+"/Editor.bin"); err != nil {
		t.Fatalf("expected uploaded source under the first save key: %v", err)
	}

	callback, _ := EncodeWopiCallback(WopiParams{UserAuth: WopiUserAuth{WopiSrc: "https://wopi.example/files/1"}})
	h.openReady(t, "doc-wm", callback)
	out, err = h.svc.DispatchSendMailMerge(ctx, Command{DocID: "doc-wm", Data: []byte("bin"), MailMergeSend: &MailMergeSend{RecordTo: 1}})
	if err != nil {
		t.Fatalf("dispatch sendmm failed: %v", err)
	}
	if out.Status != OutputErr || out.Data != CodeUnknown {
		t.Fatalf("expected err/-1 for a wopi document, got %+v", out)
	}
}

func TestForgottenCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, p := range []string{"forgotten/doc-1/output.docx", "forgotten/doc-2/output.xlsx"} {
		if err := h.storage.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	list, err := h.svc.GetForgottenList(ctx)
	if err != nil || strings.Join(list.Keys, ",") != "doc-1,doc-2" {
		t.Fatalf("unexpected forgotten list %+v err=%v", list, err)
	}

	res, err := h.svc.GetForgotten(ctx, "https://docs.example", "doc-2")
	if err != nil || res.Error != CommandNoError {
		t.Fatalf("get forgotten failed: %+v err=%v", res, err)
	}
	if !strings.HasPrefix(res.URL, "https://docs.example/v1/files/forgotten/doc-2/output.xlsx?") {
		t.Fatalf("unexpected forgotten url %q", res.URL)
	}

	res, _ = h.svc.GetForgotten(ctx, "https://docs.example", "missing")
	if res.Error != CommandDocumentIDError || res.URL != "" {
		t.Fatalf("expected document id error for missing copy, got %+v", res)
	}
	res, _ = h.svc.GetForgotten(ctx, "https://docs.example", "../etc")
	if res.Error != CommandDocumentIDError {
		t.Fatalf("expected document id error for invalid id, got %+v", res)
	}

	res, err = h.svc.DeleteForgotten(ctx, "doc-1")
	if err != nil || res.Error != CommandNoError {
		t.Fatalf("delete forgotten failed: %+v err=%v", res, err)
	}
	res, _ = h.svc.DeleteForgotten(ctx, "doc-1")
	if res.Error != CommandDocumentIDError {
		t.Fatalf("expected second delete to report a missing copy, got %+v", res)
	}
	list, _ = h.svc.GetForgottenList(ctx)
	if strings.Join(list.Keys, ",") != "doc-2" {
		t.Fatalf("expected only doc-2 left, got %v", list.Keys)
	}
}
