package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/common"
	"github.com/sharedcode/dtx/common/mocks"
)

func adminSetup(t *testing.T, stores ...dtx.DataStore) (*gin.Engine, *AdminAPI, *mocks.MockTransactionLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := dtx.NewConfig()
	cfg.RollbackRetryBackoff = time.Millisecond
	tl := mocks.NewMockTransactionLog()
	comp := common.NewCompensator(cfg, tl, stores)
	worker := common.NewRecoveryWorker(cfg.Recovery, tl, comp, nil)
	api := NewAdminAPI(tl, comp, worker)

	router := gin.New()
	router.GET("/transactions/failed", api.GetFailedTransactions)
	router.GET("/transactions/:id", api.GetTransaction)
	router.DELETE("/transactions/:id", api.DeleteTransaction)
	router.POST("/transactions/:id/compensate", api.RetryCompensation)
	router.POST("/recovery/sweep", api.ForceSweep)
	router.GET("/recovery/metrics", api.GetRecoveryMetrics)
	return router, api, tl
}

func parkFailed(t *testing.T, tl *mocks.MockTransactionLog, record *dtx.TransactionRecord) {
	t.Helper()
	if err := tl.Save(context.Background(), record); err != nil {
		t.Fatalf("Save err: %v", err)
	}
	if err := tl.MarkTerminal(context.Background(), record.TxID, dtx.StateFailed, "parked"); err != nil {
		t.Fatalf("MarkTerminal err: %v", err)
	}
}

func Test_AdminAPI_GetFailedTransactions(t *testing.T) {
	router, _, tl := adminSetup(t)
	record := dtx.NewTransactionRecord("order-1")
	parkFailed(t, tl, record)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transactions/failed", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), record.TxID.String()) {
		t.Fatalf("failed queue must list the parked record: %s", w.Body.String())
	}
}

func Test_AdminAPI_GetTransaction_InvalidAndMissing(t *testing.T) {
	router, _, _ := adminSetup(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transactions/not-a-uuid", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid id must 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transactions/"+dtx.NewUUID().String(), nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id must 404, got %d", w.Code)
	}
}

func Test_AdminAPI_RetryCompensation_ReplaysParkedRecord(t *testing.T) {
	store := mocks.NewMockDataStore("a")
	store.SeedRow("item", map[string]any{"id": "5", "value": "new"})
	router, _, tl := adminSetup(t, store)

	record := dtx.NewTransactionRecord("order-2")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpUpdate, EntityClass: "item", EntityID: "5",
			Snapshot: map[string]any{"id": "5", "value": "old"}},
	}
	parkFailed(t, tl, record)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/transactions/"+record.TxID.String()+"/compensate", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if store.Row("item", "5")["value"] != "old" {
		t.Fatalf("inverse not applied: %v", store.Row("item", "5"))
	}
	got, _, _ := tl.Load(context.Background(), record.TxID)
	if got.ErrorMessage != "manually compensated" {
		t.Fatalf("outcome not recorded: %+v", got)
	}
}

func Test_AdminAPI_RetryCompensation_RejectsCommittedRecord(t *testing.T) {
	router, _, tl := adminSetup(t)
	record := dtx.NewTransactionRecord("order-3")
	for _, s := range []dtx.TransactionState{dtx.StateCollecting, dtx.StateValidating, dtx.StatePrepared, dtx.StateCommitting, dtx.StateCommitted} {
		if err := record.Transition(s); err != nil {
			t.Fatalf("transition err: %v", err)
		}
	}
	if err := tl.Save(context.Background(), record); err != nil {
		t.Fatalf("Save err: %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/transactions/"+record.TxID.String()+"/compensate", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("committed record must 409, got %d", w.Code)
	}
}

func Test_AdminAPI_ForceSweepAndMetrics(t *testing.T) {
	router, _, _ := adminSetup(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recovery/sweep", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/recovery/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "totalAttempts") {
		t.Fatalf("metrics status %d: %s", w.Code, w.Body.String())
	}
}

func Test_AdminAPI_DeleteTransaction(t *testing.T) {
	router, _, tl := adminSetup(t)
	record := dtx.NewTransactionRecord("order-4")
	parkFailed(t, tl, record)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/transactions/"+record.TxID.String(), nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if _, found, _ := tl.Load(context.Background(), record.TxID); found {
		t.Fatalf("record must be gone")
	}
}
