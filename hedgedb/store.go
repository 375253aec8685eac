package hedgedb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	// dbFileName is the default file name of the client-side contract
	// cache.
	dbFileName = "hedge.db"

	// contractsBucketKey is the bucket holding all cached contracts.
	//
	// maps: contractID -> json encoded Contract
	contractsBucketKey = []byte("contracts")

	byteOrder = binary.BigEndian

	// ErrContractNotFound is returned when a contract id is not in the
	// cache.
	ErrContractNotFound = errors.New("contract not found")
)

// Store is the bbolt backed contract cache.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the contract cache in the given directory.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(dbPath, dbFileName)
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contractsBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutContract writes a contract record, overwriting any previous state.
func (s *Store) PutContract(contract *Contract) error {
	value, err := json.Marshal(contract)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(contractsBucketKey)
		return bucket.Put(contractKey(contract.ID), value)
	})
}

// FetchContract reads a single contract record.
func (s *Store) FetchContract(id int64) (*Contract, error) {
	var contract *Contract
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(contractsBucketKey).Get(contractKey(id))
		if value == nil {
			return fmt.Errorf("%w: id %d", ErrContractNotFound,
				id)
		}

		contract = &Contract{}
		return json.Unmarshal(value, contract)
	})
	if err != nil {
		return nil, err
	}

	return contract, nil
}

// FetchContracts returns all cached contracts, most recent id first.
func (s *Store) FetchContracts() ([]*Contract, error) {
	var contracts []*Contract
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(contractsBucketKey).ForEach(
			func(_, value []byte) error {
				contract := &Contract{}
				err := json.Unmarshal(value, contract)
				if err != nil {
					return err
				}

				contracts = append(
					[]*Contract{contract}, contracts...,
				)
				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	return contracts, nil
}

// UpdateStatus moves a cached contract to the given status, replacing the
// pending transaction as well.
func (s *Store) UpdateStatus(id int64, status Status, txHex string) error {
	contract, err := s.FetchContract(id)
	if err != nil {
		return err
	}

	contract.Status = status
	contract.PendingTxHex = txHex

	return s.PutContract(contract)
}

// DeleteContract removes a contract from the cache.
func (s *Store) DeleteContract(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(contractsBucketKey).Delete(contractKey(id))
	})
}

func contractKey(id int64) []byte {
	var key [8]byte
	byteOrder.PutUint64(key[:], uint64(id))
	return key[:]
}
