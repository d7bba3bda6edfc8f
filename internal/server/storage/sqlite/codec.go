package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

func encode(id string, doc models.Record) (string, int64, error) {
	cp := make(models.Record, len(doc)+1)
	for k, v := range doc {
		cp[k] = v
	}
	cp[common.FieldID] = id
	b, err := json.Marshal(cp)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}
	modified, _ := cp.Int64(common.FieldDateModified)
	return string(b), modified, nil
}

func decode(data string) (models.Record, error) {
	r := models.Record{}
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}
