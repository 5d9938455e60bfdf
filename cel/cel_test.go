package cel

import (
	"testing"

	"github.com/sharedcode/dtx"
)

func Test_Rule_MatchesOnRecordFields(t *testing.T) {
	rule, err := NewRule("large-tx", "operationCount > 2")
	if err != nil {
		t.Fatalf("NewRule err: %v", err)
	}
	record := dtx.NewTransactionRecord("k")
	record.Operations = []dtx.OperationRecord{
		{Sequence: 1, Datasource: "a", Type: dtx.OpInsert},
		{Sequence: 2, Datasource: "a", Type: dtx.OpInsert},
		{Sequence: 3, Datasource: "a", Type: dtx.OpInsert},
	}
	matched, err := rule.Evaluate(record)
	if err != nil || !matched {
		t.Fatalf("matched=%v err: %v", matched, err)
	}

	record.Operations = record.Operations[:1]
	matched, err = rule.Evaluate(record)
	if err != nil || matched {
		t.Fatalf("small record must not match, matched=%v err: %v", matched, err)
	}
}

func Test_Rule_AddressesWireFieldNames(t *testing.T) {
	rule, err := NewRule("keyed", `record.businessKey == "order-42"`)
	if err != nil {
		t.Fatalf("NewRule err: %v", err)
	}
	matched, err := rule.Evaluate(dtx.NewTransactionRecord("order-42"))
	if err != nil || !matched {
		t.Fatalf("matched=%v err: %v", matched, err)
	}
}

func Test_Rule_RejectsBadInput(t *testing.T) {
	if _, err := NewRule("", "true"); err == nil {
		t.Fatalf("empty name must be rejected")
	}
	if _, err := NewRule("r", ""); err == nil {
		t.Fatalf("empty expression must be rejected")
	}
	if _, err := NewRule("r", "record.("); err == nil {
		t.Fatalf("uncompilable expression must be rejected")
	}
}
