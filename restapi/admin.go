package restapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/common"
)

// AdminAPI surfaces the transaction log and recovery worker to operators:
// browsing the failed queue, re-running compensation on a parked record and
// forcing a recovery sweep.
type AdminAPI struct {
	logStore    dtx.TransactionLogStore
	compensator *common.Compensator
	worker      *common.RecoveryWorker
}

func NewAdminAPI(logStore dtx.TransactionLogStore, compensator *common.Compensator, worker *common.RecoveryWorker) *AdminAPI {
	return &AdminAPI{
		logStore:    logStore,
		compensator: compensator,
		worker:      worker,
	}
}

// RegisterMethods registers the admin REST methods for router mounting.
func (a *AdminAPI) RegisterMethods() error {
	for _, m := range []RestMethod{
		{Verb: GET, Path: "/transactions/failed", Handler: a.GetFailedTransactions},
		{Verb: GET_ONE, Path: "/transactions/:id", Handler: a.GetTransaction},
		{Verb: DELETE, Path: "/transactions/:id", Handler: a.DeleteTransaction},
		{Verb: POST, Path: "/transactions/:id/compensate", Handler: a.RetryCompensation},
		{Verb: POST, Path: "/recovery/sweep", Handler: a.ForceSweep},
		{Verb: GET, Path: "/recovery/metrics", Handler: a.GetRecoveryMetrics},
	} {
		if err := Register(m); err != nil {
			return err
		}
	}
	return nil
}

// GetFailedTransactions responds with the records parked for manual intervention.
func (a *AdminAPI) GetFailedTransactions(c *gin.Context) {
	records, err := a.logStore.ListFailed(c.Request.Context())
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": "fetching failed transactions failed"})
		return
	}
	c.IndentedJSON(http.StatusOK, records)
}

// GetTransaction responds with one transaction record by id.
func (a *AdminAPI) GetTransaction(c *gin.Context) {
	record, ok := a.loadRecord(c)
	if !ok {
		return
	}
	c.IndentedJSON(http.StatusOK, record)
}

// DeleteTransaction removes a record, including its failed-queue entry. Meant
// for operators closing out a manually resolved transaction.
func (a *AdminAPI) DeleteTransaction(c *gin.Context) {
	tid, err := dtx.ParseUUID(c.Param("id"))
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "invalid transaction id"})
		return
	}
	if err := a.logStore.Remove(c.Request.Context(), tid); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": "removing transaction failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryCompensation re-runs the compensator on a parked or partially rolled
// back record. Already compensated operations are skipped, so retrying is safe.
func (a *AdminAPI) RetryCompensation(c *gin.Context) {
	record, ok := a.loadRecord(c)
	if !ok {
		return
	}
	if record.State != dtx.StateFailed && record.State != dtx.StateRollingBack {
		c.IndentedJSON(http.StatusConflict, gin.H{"message": "transaction is not awaiting compensation", "state": record.State})
		return
	}
	ctx := c.Request.Context()
	if err := a.compensator.Rollback(ctx, record); err != nil {
		c.IndentedJSON(http.StatusUnprocessableEntity, gin.H{
			"message":       "compensation did not complete",
			"error":         err.Error(),
			"uncompensated": record.UncompensatedCount(),
		})
		return
	}
	if record.State == dtx.StateRollingBack {
		if err := record.Transition(dtx.StateRolledBack); err != nil {
			c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
	} else {
		// A FAILED record stays terminal; the outcome is recorded for the audit trail.
		record.ErrorMessage = "manually compensated"
	}
	if err := a.logStore.Save(ctx, record); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": "persisting compensation outcome failed"})
		return
	}
	c.IndentedJSON(http.StatusOK, record)
}

// ForceSweep runs one recovery sweep now instead of waiting for the interval.
func (a *AdminAPI) ForceSweep(c *gin.Context) {
	n, err := a.worker.Sweep(c.Request.Context())
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": "recovery sweep failed", "error": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"recovered": n})
}

// GetRecoveryMetrics responds with the worker's counters.
func (a *AdminAPI) GetRecoveryMetrics(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, a.worker.Metrics())
}

func (a *AdminAPI) loadRecord(c *gin.Context) (*dtx.TransactionRecord, bool) {
	tid, err := dtx.ParseUUID(c.Param("id"))
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "invalid transaction id"})
		return nil, false
	}
	record, found, err := a.logStore.Load(c.Request.Context(), tid)
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": "loading transaction failed"})
		return nil, false
	}
	if !found {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "transaction not found"})
		return nil, false
	}
	return record, true
}
