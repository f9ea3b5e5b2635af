package pgstore

import (
	"encoding/json"

	"github.com/agentbridge/runtime/pkg/models"
)

func marshalMessage(msg models.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func unmarshalMessage(body []byte) (models.Message, error) {
	var msg models.Message
	err := json.Unmarshal(body, &msg)
	return msg, err
}
