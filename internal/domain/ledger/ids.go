package ledger

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// NewID allocates a record id: the url-safe base64 encoding of a random uuid's
// canonical string. It is safe to use as a broker payload.
func NewID() string {
	return EncodeID(uuid.New())
}

// EncodeID encodes u in the record id format.
func EncodeID(u uuid.UUID) string {
	return base64.URLEncoding.EncodeToString([]byte(u.String()))
}

// DecodeID parses a record id back into its uuid, rejecting anything that
// did not come from EncodeID.
func DecodeID(id string) (uuid.UUID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.Nil, apperrors.ValidationField("id", "id is required")
	}
	raw, err := base64.URLEncoding.DecodeString(id)
	if err != nil {
		return uuid.Nil, apperrors.ValidationField("id", "id is not url-safe base64")
	}
	u, err := uuid.Parse(string(raw))
	if err != nil {
		return uuid.Nil, apperrors.ValidationField("id", "id does not encode a uuid")
	}
	return u, nil
}

// ValidID reports whether id decodes cleanly.
func ValidID(id string) bool {
	_, err := DecodeID(id)
	return err == nil
}
