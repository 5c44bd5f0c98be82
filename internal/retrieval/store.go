// internal/retrieval/store.go
// Package retrieval encodes corpora into a persistent embedding store and
// runs dense top-k retrieval over the stored vectors.
package retrieval

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketVectors = []byte("vectors")

// Store persists embeddings in a bolt database, one binary float64 row per id.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the embedding database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedding store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// PutAll writes every (id, vector) pair in a single transaction.
func (s *Store) PutAll(ids []string, vectors [][]float64) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors disagree: %d vs %d", len(ids), len(vectors))
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for i, id := range ids {
			data, err := encodeVector(vectors[i])
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads the vector stored under id.
func (s *Store) Get(id string) ([]float64, error) {
	var vec []float64
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVectors).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("embedding not found: %s", id)
		}
		var err error
		vec, err = decodeVector(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// GetAll reads the vectors for the given ids, in order.
func (s *Store) GetAll(ids []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				return fmt.Errorf("embedding not found: %s", id)
			}
			vec, err := decodeVector(data)
			if err != nil {
				return err
			}
			vectors = append(vectors, vec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeVector(vec []float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("corrupt vector: %d bytes", len(data))
	}
	vec := make([]float64, len(data)/8)
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &vec); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vec, nil
}
