package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ledgerline/sync-service/internal/app"
	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/internal/store"
	"github.com/ledgerline/sync-service/pkg/plaidclient"
)

func newSyncHandlers(repo *apiRepoStub, upstream app.UpstreamClient, cfg app.FetchConfig) *SyncHandlers {
	service := app.NewService(repo, app.NewFetcher(upstream, cfg), upstream, nil)
	return NewSyncHandlers(service, nil, 0)
}

func postSync(h *SyncHandlers, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/sync", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.TriggerSyncHandler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp
}

func TestTriggerSync_RequiresIDs(t *testing.T) {
	h := newSyncHandlers(&apiRepoStub{conn: webhookConnection()}, stubUpstream{}, app.FetchConfig{})

	if rec := postSync(h, `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing ids, got %d", rec.Code)
	}
	if rec := postSync(h, `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", rec.Code)
	}
}

func TestTriggerSync_Success(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection()}
	h := newSyncHandlers(repo, stubUpstream{}, app.FetchConfig{})

	body := fmt.Sprintf(`{"connection_id":%q,"user_id":%q}`, repo.conn.ID, repo.conn.UserID)
	rec := postSync(h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp syncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success=true")
	}
	if resp.Cursor != "c1" {
		t.Fatalf("expected final cursor c1, got %q", resp.Cursor)
	}
}

func TestTriggerSync_OwnershipMismatch(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection()}
	h := newSyncHandlers(repo, stubUpstream{}, app.FetchConfig{})

	body := fmt.Sprintf(`{"connection_id":%q,"user_id":%q}`, repo.conn.ID, "7f2f4b10-0000-4000-8000-000000000001")
	if rec := postSync(h, body); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestTriggerSync_ConnectionNotFound(t *testing.T) {
	h := newSyncHandlers(&apiRepoStub{}, stubUpstream{}, app.FetchConfig{})

	body := `{"connection_id":"7f2f4b10-0000-4000-8000-000000000002","user_id":"7f2f4b10-0000-4000-8000-000000000003"}`
	if rec := postSync(h, body); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTriggerSync_ConflictWhenAlreadySyncing(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection(), claimErr: store.ErrAlreadySyncing}
	h := newSyncHandlers(repo, stubUpstream{}, app.FetchConfig{})

	body := fmt.Sprintf(`{"connection_id":%q,"user_id":%q}`, repo.conn.ID, repo.conn.UserID)
	rec := postSync(h, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "ALREADY_SYNCING" {
		t.Fatalf("expected ALREADY_SYNCING code, got %q", resp.Code)
	}
}

// loopingUpstream never exhausts, forcing the round cap.
type loopingUpstream struct{ stubUpstream }

func (loopingUpstream) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*plaidclient.TransactionsSyncResponse, error) {
	return &plaidclient.TransactionsSyncResponse{NextCursor: "again", HasMore: true}, nil
}

func TestTriggerSync_LimitExceeded(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection()}
	h := newSyncHandlers(repo, loopingUpstream{}, app.FetchConfig{MaxRounds: 2})

	body := fmt.Sprintf(`{"connection_id":%q,"user_id":%q}`, repo.conn.ID, repo.conn.UserID)
	rec := postSync(h, body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "SYNC_LIMIT_EXCEEDED" {
		t.Fatalf("expected SYNC_LIMIT_EXCEEDED code, got %q", resp.Code)
	}
}

func TestTriggerSync_UpstreamFailureMapsToBadGateway(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection()}
	h := newSyncHandlers(repo, failingUpstream{}, app.FetchConfig{})

	body := fmt.Sprintf(`{"connection_id":%q,"user_id":%q}`, repo.conn.ID, repo.conn.UserID)
	rec := postSync(h, body)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "UPSTREAM_ERROR" {
		t.Fatalf("expected UPSTREAM_ERROR code, got %q", resp.Code)
	}
}

// failingUpstream rejects every account fetch.
type failingUpstream struct{ stubUpstream }

func (failingUpstream) GetAccounts(ctx context.Context, accessToken string) (*plaidclient.AccountsGetResponse, error) {
	return nil, &plaidclient.ErrorResponse{StatusCode: http.StatusInternalServerError, ErrorType: "API_ERROR", ErrorCode: "INTERNAL_SERVER_ERROR"}
}

func getSyncStatus(h *SyncHandlers, connectionID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/connections/{connectionID}/sync-status", h.GetSyncStatusHandler)
	req := httptest.NewRequest("GET", "/connections/"+connectionID+"/sync-status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetSyncStatus_NullStatusReadsAsIdle(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection()}
	h := newSyncHandlers(repo, stubUpstream{}, app.FetchConfig{})

	rec := getSyncStatus(h, repo.conn.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp syncStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SyncStatus != domain.SyncStatusIdle {
		t.Fatalf("expected idle for null status, got %q", resp.SyncStatus)
	}
}

func TestGetSyncStatus_EchoesStoredStatus(t *testing.T) {
	repo := &apiRepoStub{conn: webhookConnection()}
	syncing := domain.SyncStatusSyncing
	repo.conn.SyncStatus = &syncing
	h := newSyncHandlers(repo, stubUpstream{}, app.FetchConfig{})

	rec := getSyncStatus(h, repo.conn.ID.String())
	var resp syncStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SyncStatus != domain.SyncStatusSyncing {
		t.Fatalf("expected syncing, got %q", resp.SyncStatus)
	}
}

func TestGetSyncStatus_BadIDAndMissingConnection(t *testing.T) {
	h := newSyncHandlers(&apiRepoStub{}, stubUpstream{}, app.FetchConfig{})

	if rec := getSyncStatus(h, "not-a-uuid"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
	if rec := getSyncStatus(h, "7f2f4b10-0000-4000-8000-000000000004"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown connection, got %d", rec.Code)
	}
}
