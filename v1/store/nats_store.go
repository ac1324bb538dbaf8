package store

import (
	"context"
	"encoding/base64"
	stdErrors "errors"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const defaultNATSBucket = "keylock"

// NATSStore implements Store on a JetStream key-value bucket. Create gives
// set-if-absent; deletes are guarded by the revision read just before, so a
// key re-created by someone else in between is reported as gone.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore binds to bucket on conn, creating the bucket when missing.
// An empty bucket name selects "keylock".
func NewNATSStore(conn *nats.Conn, bucket string, opts ...Option) (*NATSStore, error) {
	o := buildOptions(opts)
	if bucket == "" {
		bucket = defaultNATSBucket
	}
	js, err := conn.JetStream(nats.MaxWait(o.timeout))
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, err
	}
	return &NATSStore{kv: kv}, nil
}

// natsKey maps an arbitrary lock key onto the restricted KV key alphabet.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *NATSStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	_, err := s.kv.Create(natsKey(key), []byte(value))
	if err == nil {
		return true, nil
	}
	if stdErrors.Is(err, nats.ErrKeyExists) || isWrongLastSequence(err) {
		return false, nil
	}
	return false, mapNATSErr(err)
}

// Delete implements Store.Delete.
func (s *NATSStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	k := natsKey(key)
	entry, err := s.kv.Get(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapNATSErr(err)
	}
	if err := s.kv.Delete(k, nats.LastRevision(entry.Revision())); err != nil {
		if isWrongLastSequence(err) {
			return false, nil
		}
		return false, mapNATSErr(err)
	}
	return true, nil
}

// Exists implements Checker.Exists.
func (s *NATSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	_, err := s.kv.Get(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapNATSErr(err)
	}
	return true, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func mapNATSErr(err error) error {
	switch {
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
