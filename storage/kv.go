package storage

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/rlp"
)

// Writer is the write side shared by KV and its batches.
type Writer interface {
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
}

var (
	_ Writer = (*KV)(nil)
	_ Writer = (*batchWriter)(nil)
)

// KV layers RLP-encoded records over a Database. It satisfies the storage
// contracts of the swap engine, the collaborator ledgers and the redemption
// desk.
type KV struct {
	db Database
}

// NewKV wraps db.
func NewKV(db Database) *KV {
	return &KV{db: db}
}

// KVPut RLP-encodes value under key.
func (kv *KV) KVPut(key []byte, value interface{}) error {
	encoded, err := encodeRecord(key, value)
	if err != nil {
		return err
	}
	return kv.db.Put(key, encoded)
}

// KVGet decodes the record stored under key into out. A nil out only checks
// presence.
func (kv *KV) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := kv.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes key.
func (kv *KV) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return kv.db.Delete(key)
}

// KVAppend appends value to the byte slice list stored under key. Duplicate
// values are ignored to keep the index deterministic.
func (kv *KV) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	list, err := kv.list(key)
	if err != nil {
		return err
	}
	list, changed := appendUnique(list, value)
	if !changed {
		return nil
	}
	return kv.KVPut(key, list)
}

// KVRemove drops value from the list stored under key.
func (kv *KV) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	list, err := kv.list(key)
	if err != nil {
		return err
	}
	list, changed := removeValue(list, value)
	if !changed {
		return nil
	}
	return kv.KVPut(key, list)
}

// KVGetList decodes the list stored under key into out, which must point to a
// slice. Missing keys yield an empty slice.
func (kv *KV) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := kv.get(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// KVScan calls fn for every record under prefix in key order. decode
// RLP-decodes the current record.
func (kv *KV) KVScan(prefix []byte, fn func(key []byte, decode func(out interface{}) error) error) error {
	it := kv.db.NewIterator(prefix)
	defer it.Release()
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := it.Value()
		decode := func(out interface{}) error { return rlp.DecodeBytes(value, out) }
		if err := fn(key, decode); err != nil {
			return err
		}
	}
	return it.Error()
}

// Update stages the writes made by fn and applies them in one batch. Nothing
// is written when fn fails.
func (kv *KV) Update(fn func(w Writer) error) error {
	w := &batchWriter{kv: kv, batch: kv.db.NewBatch(), lists: make(map[string][][]byte)}
	if err := fn(w); err != nil {
		return err
	}
	if w.batch.Len() == 0 {
		return nil
	}
	return w.batch.Write()
}

// batchWriter reads lists through its own pending writes so repeated appends
// to one index within a batch compose.
type batchWriter struct {
	kv    *KV
	batch Batch
	lists map[string][][]byte
}

func (w *batchWriter) KVPut(key []byte, value interface{}) error {
	encoded, err := encodeRecord(key, value)
	if err != nil {
		return err
	}
	delete(w.lists, string(key))
	w.batch.Put(key, encoded)
	return nil
}

func (w *batchWriter) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	w.lists[string(key)] = nil
	w.batch.Delete(key)
	return nil
}

func (w *batchWriter) KVAppend(key []byte, value []byte) error {
	list, err := w.list(key)
	if err != nil {
		return err
	}
	list, changed := appendUnique(list, value)
	if !changed {
		return nil
	}
	return w.putList(key, list)
}

func (w *batchWriter) KVRemove(key []byte, value []byte) error {
	list, err := w.list(key)
	if err != nil {
		return err
	}
	list, changed := removeValue(list, value)
	if !changed {
		return nil
	}
	return w.putList(key, list)
}

func (w *batchWriter) list(key []byte) ([][]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	if list, ok := w.lists[string(key)]; ok {
		return list, nil
	}
	return w.kv.list(key)
}

func (w *batchWriter) putList(key []byte, list [][]byte) error {
	if err := w.KVPut(key, list); err != nil {
		return err
	}
	w.lists[string(key)] = list
	return nil
}

func encodeRecord(key []byte, value interface{}) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	return rlp.EncodeToBytes(value)
}

func appendUnique(list [][]byte, value []byte) ([][]byte, bool) {
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return list, false
		}
	}
	out := make([][]byte, 0, len(list)+1)
	out = append(out, list...)
	return append(out, append([]byte(nil), value...)), true
}

func removeValue(list [][]byte, value []byte) ([][]byte, bool) {
	kept := make([][]byte, 0, len(list))
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	return kept, len(kept) != len(list)
}

func (kv *KV) list(key []byte) ([][]byte, error) {
	data, err := kv.get(key)
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (kv *KV) get(key []byte) ([]byte, error) {
	data, err := kv.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}
