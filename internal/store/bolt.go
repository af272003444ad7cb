package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

type BoltStore struct {
	db *bolt.DB
}

var (
	certificatesBucketName = []byte("certforge_certificates")
	domainIndexBucketName  = []byte("certforge_domain_index")
	sessionsBucketName     = []byte("certforge_sessions")
	accountBucketName      = []byte("certforge_account")
)

var accountKeyKey = []byte("account_key")

func NewBoltStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	return &BoltStore{
		db: db,
	}, nil
}

func (b *BoltStore) Seed() error {
	bucketsToCreate := [][]byte{certificatesBucketName, domainIndexBucketName, sessionsBucketName, accountBucketName}

	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range bucketsToCreate {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func boltGetBucket(tx *bolt.Tx, bucketName []byte) (*bolt.Bucket, error) {
	bucket := tx.Bucket(bucketName)
	if bucket != nil {
		return bucket, nil
	}

	bucket, err := tx.CreateBucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to make bucket %s: %v", bucketName, err)
	}
	return bucket, nil
}

func boltUpdator[DbT any](db *bolt.DB, bucketName []byte, key []byte, updateCallback func(*DbT) error) (*DbT, error) {
	var obj DbT

	err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, bucketName)
		if err != nil {
			return err
		}

		v := bucket.Get(key)
		if v == nil {
			return ErrNotFound
		}

		err = json.Unmarshal(v, &obj)
		if err != nil {
			return err
		}

		err = updateCallback(&obj)
		if err != nil {
			return err
		}

		newV, err := json.Marshal(obj)
		if err != nil {
			return err
		}

		return bucket.Put(key, newV)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func boltGetter[DbT any](db *bolt.DB, bucketName []byte, key []byte) (*DbT, error) {
	var obj DbT

	err := db.View(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, bucketName)
		if err != nil {
			return err
		}

		v := bucket.Get(key)
		if v == nil {
			return ErrNotFound
		}

		return json.Unmarshal(v, &obj)
	})

	if err != nil {
		return nil, err
	}

	return &obj, nil
}

func boltSaverTx[DbT any](tx *bolt.Tx, bucketName []byte, key []byte, obj *DbT) error {
	bucket, err := boltGetBucket(tx, bucketName)
	if err != nil {
		return err
	}

	v, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	return bucket.Put(key, v)
}

func boltSaver[DbT any](db *bolt.DB, bucketName []byte, key []byte, obj *DbT) error {
	return db.Update(func(tx *bolt.Tx) error {
		return boltSaverTx(tx, bucketName, key, obj)
	})
}

func (b *BoltStore) GetAccountKey() ([]byte, error) {
	var der []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, accountBucketName)
		if err != nil {
			return err
		}
		v := bucket.Get(accountKeyKey)
		if v == nil {
			return ErrNotFound
		}
		der = make([]byte, len(v))
		copy(der, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return der, nil
}

func (b *BoltStore) SaveAccountKey(der []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, accountBucketName)
		if err != nil {
			return err
		}
		return bucket.Put(accountKeyKey, der)
	})
}

func (b *BoltStore) CreateCertificate(cert CertRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := boltSaverTx[CertRecord](tx, certificatesBucketName, []byte(cert.ID), &cert)
		if err != nil {
			return err
		}

		// The domain index always points at the newest record for a domain,
		// superseding earlier attempts.
		indexBucket, err := boltGetBucket(tx, domainIndexBucketName)
		if err != nil {
			return err
		}
		for _, domain := range cert.Domains {
			err = indexBucket.Put([]byte(domain), []byte(cert.ID))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) GetCertificate(certID []byte) (*CertRecord, error) {
	return boltGetter[CertRecord](b.db, certificatesBucketName, certID)
}

func (b *BoltStore) GetCertificateForDomain(domain string) (*CertRecord, error) {
	var cert *CertRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		indexBucket, err := boltGetBucket(tx, domainIndexBucketName)
		if err != nil {
			return err
		}

		certID := indexBucket.Get([]byte(domain))
		if certID == nil {
			return ErrNotFound
		}

		certBucket, err := boltGetBucket(tx, certificatesBucketName)
		if err != nil {
			return err
		}
		v := certBucket.Get(certID)
		if v == nil {
			return ErrNotFound
		}

		cert = &CertRecord{}
		return json.Unmarshal(v, cert)
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (b *BoltStore) UpdateCertificate(certID []byte, updateCallback func(*CertRecord) error) (*CertRecord, error) {
	return boltUpdator[CertRecord](b.db, certificatesBucketName, certID, func(cert *CertRecord) error {
		prevStatus := cert.Status
		err := updateCallback(cert)
		if err != nil {
			return err
		}
		return GuardTransition(prevStatus, cert.Status)
	})
}

func (b *BoltStore) ListCertificatesExpiringBefore(t time.Time) ([]CertRecord, error) {
	cutoff := t.Unix()
	expiring := []CertRecord{}

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, certificatesBucketName)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(_, v []byte) error {
			var cert CertRecord
			err := json.Unmarshal(v, &cert)
			if err != nil {
				return err
			}
			if cert.Status == CertStatusIssued && cert.ExpiresAt != 0 && cert.ExpiresAt < cutoff {
				expiring = append(expiring, cert)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expiring, nil
}

func (b *BoltStore) SweepCertificates(createdBefore time.Time) (int, error) {
	cutoff := createdBefore.Unix()
	swept := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, certificatesBucketName)
		if err != nil {
			return err
		}

		toDelete := [][]byte{}
		err = bucket.ForEach(func(k, v []byte) error {
			var cert CertRecord
			err := json.Unmarshal(v, &cert)
			if err != nil {
				return err
			}
			if cert.CreatedAt < cutoff {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			err = bucket.Delete(k)
			if err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

func (b *BoltStore) CreateSession(session Session) error {
	return boltSaver[Session](b.db, sessionsBucketName, []byte(session.ID), &session)
}

func (b *BoltStore) GetSession(sessionID []byte) (*Session, error) {
	return boltGetter[Session](b.db, sessionsBucketName, sessionID)
}

func (b *BoltStore) UpdateSession(sessionID []byte, updateCallback func(*Session) error) (*Session, error) {
	return boltUpdator[Session](b.db, sessionsBucketName, sessionID, updateCallback)
}

func (b *BoltStore) DeleteSession(sessionID []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, sessionsBucketName)
		if err != nil {
			return err
		}
		return bucket.Delete(sessionID)
	})
}

func (b *BoltStore) SweepSessions(now time.Time) (int, error) {
	swept := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := boltGetBucket(tx, sessionsBucketName)
		if err != nil {
			return err
		}

		toDelete := [][]byte{}
		err = bucket.ForEach(func(k, v []byte) error {
			var session Session
			err := json.Unmarshal(v, &session)
			if err != nil {
				return err
			}
			if session.Expired(now) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			err = bucket.Delete(k)
			if err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}
