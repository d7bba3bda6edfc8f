package datastore

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/google/uuid"
)

// idNamespace scopes derived ids so they never collide with ids derived
// from the same values by another system.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://pdsvault/record-id"))

// DeriveID builds a deterministic id from the values of fields in doc. The
// same values in the same logical table always yield the same id, so a
// second create with them fails with common.ErrDuplicateKey.
func DeriveID(ref models.TableRef, doc models.Record, fields []string) (string, error) {
	vals := make([]any, len(fields))
	for i, f := range fields {
		v, ok := doc[f]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: id field %q missing", common.ErrInvalidRecord, f)
		}
		vals[i] = v
	}
	b, err := json.Marshal(struct {
		Table  string `json:"t"`
		Values []any  `json:"v"`
	}{ref.AppTableName(), vals})
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}
	return uuid.NewSHA1(idNamespace, b).String(), nil
}
