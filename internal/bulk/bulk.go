// Package bulk encodes a bulk command bucket as a record: the key is
// "<commandId>:<count>" and the payload the document ids joined by "_".
package bulk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"cascade/internal/domain"
)

const (
	keySeparator = ":"
	idSeparator  = "_"
)

var ErrMalformed = errors.New("malformed bulk record")

// NewCommandID returns a fresh command identifier.
func NewCommandID() string { return uuid.NewString() }

// Encode builds the record of one bucket. count is the total number of
// documents of the command, not the size of this bucket. Ids must not contain
// the "_" separator.
func Encode(commandID string, count int64, ids []string) (domain.Record, error) {
	if commandID == "" || strings.Contains(commandID, keySeparator) {
		return domain.Record{}, fmt.Errorf("%w: invalid command id %q", ErrMalformed, commandID)
	}
	for _, id := range ids {
		if id == "" || strings.Contains(id, idSeparator) {
			return domain.Record{}, fmt.Errorf("%w: invalid document id %q", ErrMalformed, id)
		}
	}
	key := commandID + keySeparator + strconv.FormatInt(count, 10)
	return domain.NewRecord(key, []byte(strings.Join(ids, idSeparator))), nil
}

// Decode returns the command id and the document ids of a bucket record.
func Decode(rec domain.Record) (commandID string, ids []string, err error) {
	commandID, _, err = ParseKey(rec.Key)
	if err != nil {
		return "", nil, err
	}
	if len(rec.Data) == 0 {
		return commandID, []string{}, nil
	}
	return commandID, strings.Split(string(rec.Data), idSeparator), nil
}

// ParseKey splits "<commandId>:<count>".
func ParseKey(key string) (commandID string, count int64, err error) {
	idx := strings.LastIndex(key, keySeparator)
	if idx <= 0 {
		return "", 0, fmt.Errorf("%w: key %q", ErrMalformed, key)
	}
	count, err = strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: key %q: %v", ErrMalformed, key, err)
	}
	return key[:idx], count, nil
}

// Buckets splits ids into records of at most size ids each.
func Buckets(commandID string, ids []string, size int) ([]domain.Record, error) {
	if size <= 0 {
		size = len(ids)
	}
	var out []domain.Record
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		rec, err := Encode(commandID, int64(len(ids)), ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
