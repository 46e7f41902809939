package amqp

import (
	"encoding/json"
	"time"
)

// TransactionCreatedMessage announces that a recurring rule materialized a
// transaction. It carries only ids; consumers fetch the full row from the
// database.
type TransactionCreatedMessage struct {
	TransactionID int64     `json:"transactionId"`
	RuleID        int64     `json:"ruleId"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewTransactionCreatedMessage(transactionID, ruleID int64) *TransactionCreatedMessage {
	return &TransactionCreatedMessage{
		TransactionID: transactionID,
		RuleID:        ruleID,
		Timestamp:     time.Now(),
	}
}

func (m *TransactionCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func TransactionCreatedMessageFromJSON(data []byte) (*TransactionCreatedMessage, error) {
	var msg TransactionCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
