package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-realtime/internal/platform/auth"
)

func newContext(e *echo.Echo, method, target, body string, id *auth.Identity) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *id))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

var doctor = auth.Identity{UserID: "dr-1", Role: auth.RoleDoctor}

func TestHandler_Create(t *testing.T) {
	svc, _, _, hub := newTestService(t)
	h, e := NewHandler(svc), echo.New()
	c := connect(hub, "c1", "nurse-1")

	ctx, rec := newContext(e, http.MethodPost, "/notifications",
		`{"recipientId":"nurse-1","templateId":"new-order","templateData":{"patient_name":"Jane","ordered_by":"Dr. Who","order":"CBC"}}`, &doctor)
	if err := h.Create(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var n Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Body != "Dr. Who placed an order: CBC." {
		t.Errorf("unexpected body %q", n.Body)
	}
	if len(frames(c)) != 1 {
		t.Error("recipient connection should receive new_notification")
	}
}

func TestHandler_CreateInvalid(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	h, e := NewHandler(svc), echo.New()

	ctx, _ := newContext(e, http.MethodPost, "/notifications", `{"recipientId":"nurse-1"}`, &doctor)
	err := h.Create(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_ListRequiresIdentity(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	h, e := NewHandler(svc), echo.New()

	ctx, _ := newContext(e, http.MethodGet, "/notifications", "", nil)
	err := h.List(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_ListAndMarkRead(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	h, e := NewHandler(svc), echo.New()
	n, err := svc.Create(context.Background(), CreateRequest{RecipientID: "dr-1", Type: "task", Title: "Sign note"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, rec := newContext(e, http.MethodPost, "/", "", &doctor)
	ctx.SetParamNames("id")
	ctx.SetParamValues(n.ID.String())
	if err := h.MarkRead(ctx); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"read":true`) {
		t.Errorf("expected read notification, got %s", rec.Body.String())
	}

	ctx, rec = newContext(e, http.MethodGet, "/notifications?unread=true", "", &doctor)
	if err := h.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected no unread notifications, got %s", rec.Body.String())
	}
}

func TestHandler_MarkRead_OtherUsersNotification(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	h, e := NewHandler(svc), echo.New()
	n, _ := svc.Create(context.Background(), CreateRequest{RecipientID: "nurse-1", Type: "task", Title: "x"})

	ctx, _ := newContext(e, http.MethodPost, "/", "", &doctor)
	ctx.SetParamNames("id")
	ctx.SetParamValues(n.ID.String())
	err := h.MarkRead(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}

	ctx, _ = newContext(e, http.MethodPost, "/", "", &doctor)
	ctx.SetParamNames("id")
	ctx.SetParamValues("not-a-uuid")
	err = h.MarkRead(ctx)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_ListTemplates(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	h, e := NewHandler(svc), echo.New()

	ctx, rec := newContext(e, http.MethodGet, "/notifications/templates", "", &doctor)
	if err := h.ListTemplates(ctx); err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	var out []Template
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 6 || out[0].ID != "chat-mention" {
		t.Errorf("unexpected templates %+v", out)
	}
}
